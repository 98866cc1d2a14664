// Package commandqueue runs tasks in named lanes.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A lane's worker goroutine exists only while the lane has work.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	err := queue.Submit(ctx, commandqueue.ChatLane(chatID), func(ctx context.Context) error {
//		return handle(ctx, update)
//	}, nil)
package commandqueue
