/*
Package reconciler keeps the retrieval service on the committed policy.

The committed policy record is the desired state; the policy the service
reports is the actual state. Each cycle compares the two, exports
knobd_policy_drift and publishes a policy.drift event when they differ.

When a repair Applier is configured the committed policy is switched back in
through the normal switcher path: health gate, apply, verify and an atomic
record write under the state lock. Without one the reconciler only reports.
*/
package reconciler
