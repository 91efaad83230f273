package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/groundctl/groundctl/pkg/engine/executor"
	"github.com/groundctl/groundctl/pkg/engine/planner"
)

// progressRenderer prints one line per change as it starts and settles.
// It satisfies the executor observer contract: events arrive from
// worker goroutines concurrently.
type progressRenderer struct {
	mu     sync.Mutex
	writer io.Writer
}

func newProgressRenderer(w io.Writer) *progressRenderer {
	return &progressRenderer{writer: w}
}

// Observe handles a single execution event.
func (p *progressRenderer) Observe(ev executor.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Status {
	case executor.StatusRunning:
		fmt.Fprintf(p.writer, "%s: %s...\n", ev.Address, actionVerb(ev.Action, false))
	case executor.StatusApplied:
		fmt.Fprintf(p.writer, "%s: %s in %s\n", ev.Address, actionVerb(ev.Action, true), ev.Duration.Round(time.Millisecond))
	case executor.StatusFailed:
		fmt.Fprintf(p.writer, "%s: failed: %v\n", ev.Address, ev.Err)
	case executor.StatusSkipped:
		fmt.Fprintf(p.writer, "%s: skipped: %v\n", ev.Address, ev.Err)
	}
}

func actionVerb(action planner.Action, past bool) string {
	switch action {
	case planner.ActionCreate:
		if past {
			return "created"
		}
		return "creating"
	case planner.ActionUpdate:
		if past {
			return "updated"
		}
		return "updating"
	case planner.ActionReplace:
		if past {
			return "replaced"
		}
		return "replacing"
	case planner.ActionDelete:
		if past {
			return "deleted"
		}
		return "deleting"
	default:
		if past {
			return "applied"
		}
		return "applying"
	}
}
