package queue

import "errors"

// ErrNotCancellable is returned when an item has already started or finished
var ErrNotCancellable = errors.New("queue item is not cancellable")
