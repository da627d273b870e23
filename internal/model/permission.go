package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionResultsRead allows viewing sessions and scores.
	PermissionResultsRead Permission = "results:read"

	// PermissionSessionsManage allows expiring and grading sessions and refreshing exam caches.
	PermissionSessionsManage Permission = "sessions:manage"
)
