// Package controller implements the Kubernetes controllers of the BIND9 fleet.
//
// The package provides one reconciler per resource kind:
//
//   - ProviderReconciler: stamps one Cluster into every namespace matching the
//     Provider's patterns and removes it when the namespace stops matching.
//
//   - ClusterReconciler: keeps <cluster>-primary-<i> and <cluster>-secondary-<i>
//     Instances in line with the replica counts, scaling down from the top.
//
//   - InstanceReconciler: runs one BIND9 server as a StatefulSet with its
//     configuration, Service and RNDC key, and reports pod readiness.
//
//   - ZoneReconciler: configures a zone on every selected Instance through the
//     sidecar API and deletes records nothing declares from the primaries.
//
//   - RecordReconciler: publishes a record into every Zone it is bound to with
//     RFC 2136 updates on the zone's primaries.
//
// # Architecture
//
// Ownership runs Provider -> Cluster -> Instance; selection runs Zone ->
// Instance and Record <-> Zone. Reconcilers read selections from the
// resource cache and learn about dependent changes from the event router:
//
//	informers ──> cache.Mirror ──> cache.Store ──> eventrouter.Router
//	                                    │                 │ per-kind channels
//	                                    ▼                 ▼
//	                              reconcilers <──── work queues
//	                                    │
//	                                    ▼
//	                          bind9.Adapter (HTTP API, RFC 2136, AXFR)
//
// Every reconciler reports a Ready condition plus one <Kind>-<n> condition
// per child, with n a stable ordinal.
//
// # Configuration
//
// Controllers are configured via the Config struct which accepts settings
// from CLI flags or environment variables (BIND9_* prefix).
//
// # Leader Election
//
// When running multiple replicas for high availability, enable leader election
// via --leader-elect flag to ensure only one controller actively reconciles
// resources at a time.
package controller
