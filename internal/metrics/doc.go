// Package metrics declares the Prometheus collectors of a test run. They are
// registered with the default registry and served by the web dashboard.
package metrics
