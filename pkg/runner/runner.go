// Package runner drives the process lifecycle: start, serve until the
// context ends, then drain.
package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Service is what the runner starts and later drains.
type Service interface {
	Start(ctx context.Context) error
	Drain() error
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

var Version = "dev"

// BannerOutput is where PrintBanner writes; nil disables the banner.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	if BannerOutput == nil {
		return
	}
	tpl := "{{ .Title \"CALLTURN\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(BannerOutput, true, true, bytes.NewBufferString(tpl))
}
