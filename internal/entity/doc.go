// Package entity defines the addressing and message model of durable entities.
//
// An entity is a small unit of persisted state addressed by an ID (a
// normalized entity name plus an instance key). Entities never run
// concurrently with themselves: every operation reaches an entity as a
// RequestMessage through its durable inbox and is executed one at a time in
// queue order. Calls are answered with a ResponseMessage; critical sections
// are ended with a ReleaseMessage.
//
// The package also defines the handler surface that user code implements:
//
//   - Handler / HandlerFunc: one function dispatching on Context.OperationName
//   - Class[T]: reflection-based dispatch of operations to methods of *T
//   - Registry: entity name to handler mapping consumed by the engine
//
// WIRE FORMAT:
//
// Message JSON keys are short and stable because they are persisted inside
// entity queues (see package scheduler). Fields holding their default value
// are omitted.
package entity
