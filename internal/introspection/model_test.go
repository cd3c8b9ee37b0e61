package introspection

import (
	"testing"

	"relgraph/internal/naming"
	"relgraph/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func col(name, dataType, columnType string, nullable bool) Column {
	return Column{Name: name, DataType: dataType, ColumnType: columnType, IsNullable: nullable}
}

func fk(column, table, constraint string) ForeignKey {
	return ForeignKey{ColumnName: column, ReferencedTable: table, ReferencedColumn: "id", ConstraintName: constraint, OrdinalPosition: 1}
}

func newsSchema() *Schema {
	return &Schema{
		Database: "news",
		Tables: []Table{
			{
				Name:       "feeds",
				Columns:    []Column{col("id", "bigint", "bigint(20)", false), col("name", "varchar", "varchar(255)", false), col("deleted", "tinyint", "tinyint(1)", false)},
				PrimaryKey: []string{"id"},
			},
			{
				Name: "articles",
				Columns: []Column{
					col("id", "bigint", "bigint(20)", false),
					col("feed_id", "bigint", "bigint(20)", false),
					col("title", "varchar", "varchar(255)", false),
					col("published", "datetime", "datetime", false),
					col("score", "decimal", "decimal(5,2)", true),
				},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []ForeignKey{fk("feed_id", "feeds", "articles_ibfk_1")},
			},
			{
				Name:       "tags",
				Columns:    []Column{col("id", "int", "int(11)", false), col("name", "varchar", "varchar(64)", false)},
				PrimaryKey: []string{"id"},
			},
			{
				Name:        "article_tags",
				Columns:     []Column{col("article_id", "bigint", "bigint(20)", false), col("tag_id", "int", "int(11)", false)},
				PrimaryKey:  []string{"article_id", "tag_id"},
				ForeignKeys: []ForeignKey{fk("article_id", "articles", "article_tags_ibfk_1"), fk("tag_id", "tags", "article_tags_ibfk_2")},
			},
			{
				Name: "article_links",
				Columns: []Column{
					col("id", "bigint", "bigint(20)", false),
					col("source_id", "bigint", "bigint(20)", false),
					col("target_id", "bigint", "bigint(20)", false),
					col("weight", "double", "double", true),
				},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []ForeignKey{fk("source_id", "articles", "article_links_ibfk_1"), fk("target_id", "articles", "article_links_ibfk_2")},
			},
			{
				Name:    "audit_log",
				Columns: []Column{col("message", "text", "text", false)},
			},
		},
	}
}

func entityByName(t *testing.T, model registry.Model, name string) registry.EntityModel {
	t.Helper()
	for _, e := range model.Entities {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("entity %s not found", name)
	return registry.EntityModel{}
}

func relationshipByName(t *testing.T, entity registry.EntityModel, name string) registry.RelationshipModel {
	t.Helper()
	for _, r := range entity.Relationships {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("relationship %s.%s not found", entity.Name, name)
	return registry.RelationshipModel{}
}

func TestBuildModel_Entities(t *testing.T) {
	model := BuildModel(newsSchema(), naming.Default(), nil)

	var names []string
	for _, e := range model.Entities {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"ArticleLink", "ArticleTag", "Article", "Feed", "Tag"}, names, "sorted by table, keyless tables skipped")

	feed := entityByName(t, model, "Feed")
	assert.Equal(t, "feeds", feed.Table)
	assert.Equal(t, "deleted", feed.SoftDelete)
	assert.Equal(t, []string{"id"}, feed.PrimaryKey)

	article := entityByName(t, model, "Article")
	kinds := map[string]string{}
	for _, f := range article.Fields {
		kinds[f.Name] = f.Kind
	}
	assert.Equal(t, map[string]string{
		"id":        "int",
		"feed_id":   "int",
		"title":     "string",
		"published": "datetime",
		"score":     "float",
	}, kinds)
}

func TestBuildModel_ForeignKeyRelationships(t *testing.T) {
	model := BuildModel(newsSchema(), naming.Default(), nil)

	article := entityByName(t, model, "Article")
	feedRel := relationshipByName(t, article, "feed")
	assert.Equal(t, "Feed", feedRel.Target)
	assert.Equal(t, "one", feedRel.Cardinality)
	assert.Equal(t, "articles", feedRel.Inverse)
	require.NotNil(t, feedRel.Join)
	assert.Equal(t, []string{"feed_id"}, feedRel.Join.Local)
	assert.Equal(t, []string{"id"}, feedRel.Join.Remote)

	feed := entityByName(t, model, "Feed")
	articles := relationshipByName(t, feed, "articles")
	assert.Equal(t, "many", articles.Cardinality)
	assert.Equal(t, "feed", articles.Inverse)
	assert.Equal(t, []string{"id"}, articles.Join.Local)
	assert.Equal(t, []string{"feed_id"}, articles.Join.Remote)

	// Two foreign keys into the same table are told apart by column prefix.
	link := entityByName(t, model, "ArticleLink")
	assert.Equal(t, "source_links", relationshipByName(t, link, "source").Inverse)
	assert.Equal(t, "target_links", relationshipByName(t, link, "target").Inverse)
	relationshipByName(t, article, "source_links")
	relationshipByName(t, article, "target_links")
}

func TestBuildModel_PureJunction(t *testing.T) {
	model := BuildModel(newsSchema(), naming.Default(), nil)

	junction := entityByName(t, model, "ArticleTag")
	assert.Empty(t, junction.Relationships, "pure junction edges are hidden")

	tags := relationshipByName(t, entityByName(t, model, "Article"), "tags")
	assert.Equal(t, "Tag", tags.Target)
	assert.Equal(t, "many", tags.Cardinality)
	assert.Equal(t, "articles", tags.Inverse)
	require.NotNil(t, tags.Through)
	assert.Equal(t, "ArticleTag", tags.Through.Entity)
	assert.Equal(t, registry.JoinModel{Local: []string{"id"}, Remote: []string{"article_id"}}, tags.Through.Owner)
	assert.Equal(t, registry.JoinModel{Local: []string{"tag_id"}, Remote: []string{"id"}}, tags.Through.Target)

	articles := relationshipByName(t, entityByName(t, model, "Tag"), "articles")
	assert.Equal(t, "tags", articles.Inverse)
	assert.Equal(t, registry.JoinModel{Local: []string{"id"}, Remote: []string{"tag_id"}}, articles.Through.Owner)
	assert.Equal(t, registry.JoinModel{Local: []string{"article_id"}, Remote: []string{"id"}}, articles.Through.Target)
}

func TestBuildModel_BuildsValidRegistry(t *testing.T) {
	namer := naming.Default()
	reg, err := registry.New(BuildModel(newsSchema(), namer, nil), registry.WithNamer(namer))
	require.NoError(t, err)

	article, err := reg.Describe("Article")
	require.NoError(t, err)
	tags, ok := article.Relationship("tags")
	require.True(t, ok)
	assert.True(t, tags.IsThroughAssociation())
}

func TestBuildModel_NameCollisions(t *testing.T) {
	schema := &Schema{Tables: []Table{
		{
			Name:       "categories",
			Columns:    []Column{col("id", "int", "int", false), col("parent_id", "int", "int", true), col("parent", "varchar", "varchar(32)", true)},
			PrimaryKey: []string{"id"},
			ForeignKeys: []ForeignKey{
				fk("parent_id", "categories", "fk_parent"),
			},
		},
	}}

	model := BuildModel(schema, naming.Default(), nil)
	category := entityByName(t, model, "Category")
	rel := relationshipByName(t, category, "parent_2")
	assert.Equal(t, "categories", rel.Inverse)
	assert.Equal(t, "parent_2", relationshipByName(t, category, "categories").Inverse)

	_, err := registry.New(model)
	require.NoError(t, err)
}

func TestBuildModel_SkipsDanglingForeignKeys(t *testing.T) {
	schema := &Schema{Tables: []Table{
		{
			Name:        "articles",
			Columns:     []Column{col("id", "int", "int", false), col("feed_id", "int", "int", false)},
			PrimaryKey:  []string{"id"},
			ForeignKeys: []ForeignKey{fk("feed_id", "feeds", "fk_feed")},
		},
	}}

	article := entityByName(t, BuildModel(schema, naming.Default(), nil), "Article")
	assert.Empty(t, article.Relationships)
}

func TestKindForColumn(t *testing.T) {
	tests := []struct {
		dataType, columnType, want string
	}{
		{"tinyint", "tinyint(1)", "boolean"},
		{"tinyint", "tinyint(4)", "int"},
		{"bit", "bit(1)", "boolean"},
		{"bigint", "bigint(20) unsigned", "int"},
		{"decimal", "decimal(10,2)", "float"},
		{"timestamp", "timestamp", "datetime"},
		{"json", "json", "string"},
		{"enum", "enum('a','b')", "string"},
	}
	for _, tt := range tests {
		t.Run(tt.columnType, func(t *testing.T) {
			assert.Equal(t, tt.want, kindForColumn(Column{DataType: tt.dataType, ColumnType: tt.columnType}))
		})
	}
}
