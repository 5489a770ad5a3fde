// Package services implements the versioning engine's operations on top of
// the repository layer: branch hierarchy management, the temporal version
// store with branch-inheritance resolution, fork orchestration, and the
// three-way merge engine.
//
// Services hold a *sql.DB plus a repomanager and rebind repositories to a
// transaction handle via dbx.WithTx, so every mutation is atomic from the
// caller's perspective. Collaborator concerns (authorization, audit,
// cache invalidation) enter through the narrow interfaces in
// collaborators.go.
package services
