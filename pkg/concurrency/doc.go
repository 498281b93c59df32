/*
Package concurrency provides advanced concurrency primitives with observability.

Features:
  - SmartMutex / SmartRWMutex: slow lock logging (caller captured lazily,
    only once a hold crosses its threshold)
  - Semaphore: counting semaphore, blocking and non-blocking acquire
  - WorkerPool: bounded goroutine pool fed by a task channel
  - SafeGo / FanOut / Guard: panic-recovering goroutine helpers
*/
package concurrency
