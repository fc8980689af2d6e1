// Package incident provides the business boundary for Beacon's alert lifecycle.
// It defines the Service (intake, dedupe, lifecycle, operator actions, async
// analysis), the Planner (plan generation with timeouts, retries and a
// degraded fallback), the Store interface (persistence) and the collaborator
// interfaces for geocoding, plan generation and notification.
package incident
