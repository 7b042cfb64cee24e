// Package samples holds example entities and orchestrations. The CLI
// registers them and the scenario harness runs against them.
//
// Counter is a class entity with a generated ICounter proxy, StringStore a
// class entity relying on the implicit delete operation, and Faulty a
// function entity whose operations fail on purpose.
package samples
