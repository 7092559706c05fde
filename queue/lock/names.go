package lock

import "fmt"

// Names of the locks used by the queue package, all rooted under the
// queue's .locks directory.
const (
	TodoLock   = "todo_lock"
	TaskMove   = "task_move"
	TaskDone   = "task_done"
	TaskCreate = "task_create"
	StaleCheck = "stale_check"
)

// ProgressName builds the per-task progress lock name for filename.
func ProgressName(filename string) string {
	return fmt.Sprintf("progress_%s", filename)
}
