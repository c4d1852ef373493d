// Package types defines the entities, registries, configuration, and
// standard errors of the emen object database: field schemas (ParamDef),
// document schemas (RecordDef), records, users, sessions, and the
// permission model that ties sessions to records.
package types
