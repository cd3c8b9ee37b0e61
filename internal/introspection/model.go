package introspection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"relgraph/internal/naming"
	"relgraph/internal/registry"
)

// softDeleteColumns are boolean column names treated as tombstone markers.
var softDeleteColumns = []string{"deleted", "is_deleted"}

// IntrospectModel introspects databaseName and derives its entity model.
// Each prune func may drop tables, columns or foreign keys from the snapshot
// before the model is built.
func IntrospectModel(ctx context.Context, db Queryer, databaseName string, namer *naming.Namer, logger *slog.Logger, prune ...func(*Schema)) (registry.Model, error) {
	schema, err := IntrospectDatabase(ctx, db, databaseName)
	if err != nil {
		return registry.Model{}, err
	}
	for _, fn := range prune {
		fn(schema)
	}
	model := BuildModel(schema, namer, logger)
	if len(model.Entities) == 0 {
		return registry.Model{}, fmt.Errorf("database %q has no tables with a primary key", databaseName)
	}
	return model, nil
}

type entityDraft struct {
	table *Table
	model registry.EntityModel
	names map[string]bool
}

// reserve returns base, or base with a numeric suffix when base is already a
// field or relationship name of the entity, and marks the result as used.
func (d *entityDraft) reserve(base string) string {
	name := base
	for i := 2; d.names[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	d.names[name] = true
	return name
}

func (d *entityDraft) addRelationship(rel registry.RelationshipModel) {
	d.model.Relationships = append(d.model.Relationships, rel)
}

type modelBuilder struct {
	namer   *naming.Namer
	logger  *slog.Logger
	drafts  map[string]*entityDraft // by table name
	ordered []*entityDraft
}

// BuildModel derives an entity model from an introspected schema.
//
// Every table with a primary key becomes an entity named after the singular
// table name. Each foreign key yields a ONE relationship on the referencing
// entity and its MANY inverse on the referenced one. A table whose columns are
// exactly two foreign keys is a pure junction: it stays an entity, and its two
// ends are linked by MANY relationships through it instead.
func BuildModel(schema *Schema, namer *naming.Namer, logger *slog.Logger) registry.Model {
	if namer == nil {
		namer = naming.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &modelBuilder{namer: namer, logger: logger, drafts: map[string]*entityDraft{}}

	tables := make([]*Table, 0, len(schema.Tables))
	for i := range schema.Tables {
		tables = append(tables, &schema.Tables[i])
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	entityNames := map[string]string{}
	for _, table := range tables {
		draft := b.entity(table)
		if draft == nil {
			continue
		}
		if other, exists := entityNames[draft.model.Name]; exists {
			logger.Warn("skipping table: entity name already taken",
				slog.String("table", table.Name),
				slog.String("entity", draft.model.Name),
				slog.String("taken_by", other),
			)
			continue
		}
		entityNames[draft.model.Name] = table.Name
		b.drafts[table.Name] = draft
		b.ordered = append(b.ordered, draft)
	}

	fkCount := map[string]map[string]int{}
	for _, draft := range b.ordered {
		counts := map[string]int{}
		for _, fk := range ForeignKeyConstraints(*draft.table) {
			counts[fk.ReferencedTable]++
		}
		fkCount[draft.table.Name] = counts
	}

	for _, draft := range b.ordered {
		fks := b.usableConstraints(draft)
		if isPureJunction(draft.table, fks) {
			b.addAssociation(draft, fks[0], fks[1])
			continue
		}
		for _, fk := range fks {
			b.addForeignKey(draft, fk, fkCount[draft.table.Name][fk.ReferencedTable] == 1)
		}
	}

	model := registry.Model{Entities: make([]registry.EntityModel, 0, len(b.ordered))}
	for _, draft := range b.ordered {
		model.Entities = append(model.Entities, draft.model)
	}
	return model
}

func (b *modelBuilder) entity(table *Table) *entityDraft {
	if len(table.PrimaryKey) == 0 {
		b.logger.Warn("skipping table without primary key", slog.String("table", table.Name))
		return nil
	}

	draft := &entityDraft{
		table: table,
		model: registry.EntityModel{
			Name:       b.namer.SafeName(b.namer.EntityName(table.Name)),
			Table:      table.Name,
			PrimaryKey: append([]string(nil), table.PrimaryKey...),
		},
		names: map[string]bool{},
	}

	for _, col := range table.Columns {
		if naming.IsFilterSuffixed(col.Name) {
			if col.IsPrimaryKey {
				b.logger.Warn("skipping table: primary key column contains \"__\"",
					slog.String("table", table.Name),
					slog.String("column", col.Name),
				)
				return nil
			}
			b.logger.Warn("skipping column containing \"__\"",
				slog.String("table", table.Name),
				slog.String("column", col.Name),
			)
			continue
		}
		kind := kindForColumn(col)
		draft.model.Fields = append(draft.model.Fields, registry.FieldModel{
			Name:     col.Name,
			Kind:     kind,
			Nullable: col.IsNullable,
		})
		draft.names[col.Name] = true
		if draft.model.SoftDelete == "" && kind == "boolean" && !col.IsNullable {
			for _, candidate := range softDeleteColumns {
				if strings.EqualFold(col.Name, candidate) {
					draft.model.SoftDelete = col.Name
				}
			}
		}
	}
	return draft
}

// usableConstraints returns the FK constraints whose referenced table is an
// entity and whose columns are all exposed fields on both sides.
func (b *modelBuilder) usableConstraints(draft *entityDraft) []ForeignKeyConstraint {
	var usable []ForeignKeyConstraint
	for _, fk := range ForeignKeyConstraints(*draft.table) {
		target, ok := b.drafts[fk.ReferencedTable]
		reason := ""
		switch {
		case !ok:
			reason = "referenced table is not an entity"
		case len(fk.ColumnNames) == 0 || len(fk.ColumnNames) != len(fk.ReferencedColumns):
			reason = "invalid foreign key mapping"
		case !draft.hasFields(fk.ColumnNames) || !target.hasFields(fk.ReferencedColumns):
			reason = "foreign key column is not exposed"
		}
		if reason != "" {
			b.logger.Warn("skipping foreign key",
				slog.String("table", draft.table.Name),
				slog.String("constraint", fk.ConstraintName),
				slog.String("referenced_table", fk.ReferencedTable),
				slog.String("reason", reason),
			)
			continue
		}
		usable = append(usable, fk)
	}
	return usable
}

func (d *entityDraft) hasFields(names []string) bool {
	for _, name := range names {
		found := false
		for _, f := range d.model.Fields {
			if f.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// isPureJunction reports whether every column of table belongs to one of
// exactly two foreign keys.
func isPureJunction(table *Table, fks []ForeignKeyConstraint) bool {
	if len(fks) != 2 {
		return false
	}
	fkColumns := map[string]bool{}
	for _, fk := range fks {
		for _, col := range fk.ColumnNames {
			fkColumns[col] = true
		}
	}
	for _, col := range table.Columns {
		if !fkColumns[col.Name] {
			return false
		}
	}
	return true
}

func (b *modelBuilder) addForeignKey(child *entityDraft, fk ForeignKeyConstraint, isOnlyFK bool) {
	parent := b.drafts[fk.ReferencedTable]

	oneName := child.reserve(b.namer.SafeName(b.namer.ManyToOneFieldName(fk.ColumnNames[0])))
	manyName := parent.reserve(b.namer.SafeName(b.namer.OneToManyFieldName(child.table.Name, fk.ColumnNames[0], isOnlyFK)))

	child.addRelationship(registry.RelationshipModel{
		Name:        oneName,
		Target:      parent.model.Name,
		Cardinality: "one",
		Inverse:     manyName,
		Join: &registry.JoinModel{
			Local:  append([]string(nil), fk.ColumnNames...),
			Remote: append([]string(nil), fk.ReferencedColumns...),
		},
	})
	parent.addRelationship(registry.RelationshipModel{
		Name:        manyName,
		Target:      child.model.Name,
		Cardinality: "many",
		Inverse:     oneName,
		Join: &registry.JoinModel{
			Local:  append([]string(nil), fk.ReferencedColumns...),
			Remote: append([]string(nil), fk.ColumnNames...),
		},
	})
}

func (b *modelBuilder) addAssociation(junction *entityDraft, left, right ForeignKeyConstraint) {
	leftEntity := b.drafts[left.ReferencedTable]
	rightEntity := b.drafts[right.ReferencedTable]

	leftToRight := b.associationName(leftEntity, rightEntity, right)
	leftName := leftEntity.reserve(leftToRight)
	rightName := rightEntity.reserve(b.associationName(rightEntity, leftEntity, left))

	leftEntity.addRelationship(registry.RelationshipModel{
		Name:        leftName,
		Target:      rightEntity.model.Name,
		Cardinality: "many",
		Inverse:     rightName,
		Through: &registry.AssociationModel{
			Entity: junction.model.Name,
			Owner:  registry.JoinModel{Local: append([]string(nil), left.ReferencedColumns...), Remote: append([]string(nil), left.ColumnNames...)},
			Target: registry.JoinModel{Local: append([]string(nil), right.ColumnNames...), Remote: append([]string(nil), right.ReferencedColumns...)},
		},
	})
	rightEntity.addRelationship(registry.RelationshipModel{
		Name:        rightName,
		Target:      leftEntity.model.Name,
		Cardinality: "many",
		Inverse:     leftName,
		Through: &registry.AssociationModel{
			Entity: junction.model.Name,
			Owner:  registry.JoinModel{Local: append([]string(nil), right.ReferencedColumns...), Remote: append([]string(nil), right.ColumnNames...)},
			Target: registry.JoinModel{Local: append([]string(nil), left.ColumnNames...), Remote: append([]string(nil), left.ReferencedColumns...)},
		},
	})
}

// associationName names the MANY side from owner to target through a junction.
// Self-associations take the junction column prefix to tell both ends apart.
func (b *modelBuilder) associationName(owner, target *entityDraft, targetFK ForeignKeyConstraint) string {
	base := naming.ToSnakeCase(target.model.Name)
	if owner == target {
		base = b.namer.ManyToOneFieldName(targetFK.ColumnNames[0])
	}
	return b.namer.SafeName(b.namer.Pluralize(base))
}

// kindForColumn maps a MySQL column type to a model scalar kind.
func kindForColumn(col Column) string {
	dataType := strings.ToLower(col.DataType)
	columnType := strings.ToLower(col.ColumnType)
	switch dataType {
	case "tinyint":
		if strings.HasPrefix(columnType, "tinyint(1)") {
			return "boolean"
		}
		return "int"
	case "bit":
		if columnType == "bit(1)" {
			return "boolean"
		}
		return "int"
	case "bool", "boolean":
		return "boolean"
	case "smallint", "mediumint", "int", "integer", "bigint", "year":
		return "int"
	case "float", "double", "real", "decimal", "numeric":
		return "float"
	case "date", "datetime", "timestamp", "time":
		return "datetime"
	default:
		return "string"
	}
}
