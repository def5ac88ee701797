// Package catalog implements the Database Catalog (spec.md §4.8): the
// process-wide registry of schemas, tables, indexes, sequences, users,
// roles, rights and settings, persisted through the same MVCC
// machinery as ordinary data via a meta table named SYS.
//
// Grounded on the teacher's server/innodb/metadata/schema.go (per-kind
// registries guarded by a single monitor) and
// server/innodb/schemas/database.go's open/close state machine,
// generalized so SYS rows flow through MVCCTransactionMap instead of
// the teacher's direct file writes.
package catalog

// ObjectKind identifies what a SYS row describes.
type ObjectKind int32

const (
	KindSchema ObjectKind = iota
	KindTable
	KindIndex
	KindSequence
	KindUser
	KindRole
	KindRight
	KindSetting
	KindComment
	KindAggregate
	KindUserDataType
	KindView
)

func (k ObjectKind) String() string {
	switch k {
	case KindSchema:
		return "SCHEMA"
	case KindTable:
		return "TABLE"
	case KindIndex:
		return "INDEX"
	case KindSequence:
		return "SEQUENCE"
	case KindUser:
		return "USER"
	case KindRole:
		return "ROLE"
	case KindRight:
		return "RIGHT"
	case KindSetting:
		return "SETTING"
	case KindComment:
		return "COMMENT"
	case KindAggregate:
		return "AGGREGATE"
	case KindUserDataType:
		return "USER_DATATYPE"
	case KindView:
		return "VIEW"
	default:
		return "UNKNOWN"
	}
}

// Object is anything the external parser can produce from a SYS row's
// sql text and that the catalog can register by name.
type Object interface {
	ID() int64
	Kind() ObjectKind
	Name() string
	SQL() string
}

// Parser turns the sql text of a SYS row back into a registrable
// Object; it is owned by the SQL layer, outside this package's scope
// (spec.md Non-goals).
type Parser interface {
	Parse(sql string) (Object, error)
}

// baseObject is embedded by every concrete catalog object kind to
// satisfy Object without repeating accessors.
type baseObject struct {
	id   int64
	kind ObjectKind
	name string
	sql  string
}

func (b *baseObject) ID() int64       { return b.id }
func (b *baseObject) Kind() ObjectKind { return b.kind }
func (b *baseObject) Name() string    { return b.name }
func (b *baseObject) SQL() string     { return b.sql }

type Schema struct{ baseObject }
type Table struct {
	baseObject
	SchemaName string
}
type Index struct {
	baseObject
	TableName string
}
type Sequence struct{ baseObject }
type User struct{ baseObject }
type Role struct{ baseObject }
type Right struct{ baseObject }
type Setting struct{ baseObject }
type Comment struct{ baseObject }
type Aggregate struct{ baseObject }
type UserDataType struct{ baseObject }
type View struct {
	baseObject
	Invalid bool
}

// NewSchema and friends wrap baseObject construction; the SQL layer
// calls these (or its own Parser.Parse implementation) to build
// objects that DefineObject then registers.
func NewSchema(id int64, name, sql string) *Schema {
	return &Schema{baseObject{id, KindSchema, name, sql}}
}
func NewTable(id int64, schemaName, name, sql string) *Table {
	return &Table{baseObject{id, KindTable, name, sql}, schemaName}
}
func NewIndex(id int64, tableName, name, sql string) *Index {
	return &Index{baseObject{id, KindIndex, name, sql}, tableName}
}
func NewSequence(id int64, name, sql string) *Sequence {
	return &Sequence{baseObject{id, KindSequence, name, sql}}
}
func NewUser(id int64, name, sql string) *User { return &User{baseObject{id, KindUser, name, sql}} }
func NewRole(id int64, name, sql string) *Role { return &Role{baseObject{id, KindRole, name, sql}} }
func NewRight(id int64, name, sql string) *Right {
	return &Right{baseObject{id, KindRight, name, sql}}
}
func NewSetting(id int64, name, sql string) *Setting {
	return &Setting{baseObject{id, KindSetting, name, sql}}
}
func NewView(id int64, name, sql string, invalid bool) *View {
	return &View{baseObject{id, KindView, name, sql}, invalid}
}
