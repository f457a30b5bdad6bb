// Package dispatch delivers scheduled tasks to node agents over HTTP
// and feeds delivery outcomes back to the task engine.
package dispatch
