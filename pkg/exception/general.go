package exception

import "errors"

// Node errors
var (
	ErrReconcileDivergence = errors.New("node: venue state diverges from cache")
	ErrNodeStopped         = errors.New("node: stopped")
)
