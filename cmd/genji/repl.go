package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	genjiErrors "github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/gateway"
	"github.com/harunnryd/genji/internal/loop"
)

// REPL drives interactive turns. Turn execution owns the prompt; approval
// requests from concurrent tool batches are serialized so only one question
// is on screen at a time.
type REPL struct {
	loop       *loop.Loop
	components *Components
	reader     *bufio.Reader

	promptMu sync.Mutex
}

func NewREPL(agentLoop *loop.Loop, components *Components) *REPL {
	return &REPL{
		loop:       agentLoop,
		components: components,
		reader:     bufio.NewReader(os.Stdin),
	}
}

func (r *REPL) Start(ctx context.Context) error {
	fmt.Printf("Genji session %s\n", r.loop.ConversationID())
	fmt.Println("Type '/exit' to quit, '/tools' to list tools, '/tasks' to list running tasks.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fmt.Print("> ")
		text, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		text = strings.TrimSpace(text)
		switch {
		case text == "":
			continue
		case text == "/exit":
			return nil
		case text == "/tools":
			r.printTools()
			continue
		case text == "/tasks":
			r.printTasks()
			continue
		}

		r.runTurn(ctx, text)
	}
}

func (r *REPL) runTurn(ctx context.Context, text string) {
	r.loop.SetCallbacks(loop.Callbacks{
		OnText: func(delta string) {
			fmt.Print(delta)
		},
		OnToolStart: func(call *loop.ToolCall) {
			fmt.Printf("\n[tool] %s %s\n", call.Name, compactInput(call.Input))
		},
		OnToolResult: func(call *loop.ToolCall) {
			if call.Result != nil && !call.Result.Success {
				fmt.Printf("[tool] %s failed: %s\n", call.Name, call.Result.Error)
			}
		},
		OnApproval: r.askApproval,
	})

	if err := r.loop.RunTurn(ctx, text); err != nil {
		r.printTurnError(err)
	}
	fmt.Println()
}

// askApproval runs on a tool batch goroutine; it blocks that one call while
// the user answers.
func (r *REPL) askApproval(call *loop.ToolCall) *loop.Rendezvous {
	rendezvous := loop.NewRendezvous()

	go func() {
		r.promptMu.Lock()
		defer r.promptMu.Unlock()

		fmt.Printf("\nAllow %s %s? [y/N] ", call.Name, compactInput(call.Input))
		answer, err := r.reader.ReadString('\n')
		if err != nil {
			rendezvous.Cancel()
			return
		}
		rendezvous.Resolve(strings.EqualFold(strings.TrimSpace(answer), "y"))
	}()

	return rendezvous
}

func (r *REPL) printTurnError(err error) {
	var httpErr *gateway.UpstreamHTTPError
	switch {
	case errors.Is(err, genjiErrors.ErrLoopLimit):
		fmt.Printf("\nTool call limit reached for this turn: %v\n", err)
	case errors.As(err, &httpErr):
		fmt.Printf("\nProvider error (%d): %s\n", httpErr.Status, httpErr.Body)
	case errors.Is(err, context.Canceled):
		fmt.Println("\nTurn cancelled.")
	default:
		fmt.Printf("\nTurn failed: %v\n", err)
	}
}

func (r *REPL) printTools() {
	for _, name := range r.components.Dispatcher.Registry().KnownNames() {
		fmt.Printf("  %s\n", name)
	}
	if r.components.Remote != nil && r.components.Remote.Connected() {
		defs, err := r.components.Remote.ListTools(context.Background())
		if err != nil {
			fmt.Printf("  (remote tools unavailable: %v)\n", err)
			return
		}
		for _, d := range defs {
			fmt.Printf("  %s (remote)\n", d.Name)
		}
	}
}

func (r *REPL) printTasks() {
	running := r.components.Tasks.GetRunning()
	if len(running) == 0 {
		fmt.Println("  no running tasks")
		return
	}
	for _, t := range running {
		fmt.Printf("  %s pid=%d %s\n", t.ID, t.PID, t.Command)
	}
}

func compactInput(input []byte) string {
	s := string(input)
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
