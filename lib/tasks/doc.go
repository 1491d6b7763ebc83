// Package tasks runs units of work against a node.
//
// A Manager dispatches a task name to the first registered Engine that
// handles it and runs it in its own goroutine. The returned Execution can be
// waited on or cancelled. Running tasks are listed by CurrentTasks together
// with the subject that started them; a task's cache calls go through the
// regular transactional API and are authorized as that subject.
package tasks
