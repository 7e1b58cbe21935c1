package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Command is one slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

// TextRoute handles a plain (non-slash) message when Match accepts it.
type TextRoute struct {
	Name   string
	Match  func(text string) bool
	Handle HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

// Router turns updates into command invocations on a bounded worker pool.
type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command
	ordered  []Command
	texts    []TextRoute

	log    logx.Logger
	sender kit.Sender

	workers int
	jobs    chan func()

	defaultTimeout time.Duration
}

type RouterOptions struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

func NewRouter(log logx.Logger, sender kit.Sender, opts RouterOptions) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Router{
		commands:       map[string]*Command{},
		log:            log,
		sender:         sender,
		workers:        opts.Workers,
		jobs:           make(chan func(), opts.QueueSize),
		defaultTimeout: opts.DefaultTimeout,
	}
}

// SetRegistry replaces the command set.
func (r *Router) SetRegistry(cmds []Command, texts []TextRoute) {
	m := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		m[name] = &cc
		ordered = append(ordered, cc)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" && !strings.Contains(a, " ") {
				if _, exists := m[a]; !exists {
					m[a] = &cc
				}
			}
		}
	}

	r.mu.Lock()
	r.commands = m
	r.ordered = ordered
	r.texts = append([]TextRoute(nil), texts...)
	r.mu.Unlock()
}

// MenuCommands lists registered commands in menu form.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		desc := c.Description
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

// tryEnqueue tolerates the jobs channel being closed.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log.With(logx.String("comp", "bot.router"))))
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if !strings.HasPrefix(text, "/") {
		r.mu.RLock()
		texts := r.texts
		r.mu.RUnlock()
		for _, tr := range texts {
			if tr.Match != nil && tr.Match(text) {
				r.enqueue(ctx, up, "text:"+tr.Name, nil, tr.Handle, 0)
				return
			}
		}
		return
	}

	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.sender.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "Unknown command. Try /help", nil)
		return
	}
	r.enqueue(ctx, up, cmd.Name, parts[1:], cmd.Handle, cmd.Timeout)
}

func (r *Router) enqueue(ctx context.Context, up kit.Update, name string, args []string, h HandlerFunc, timeout time.Duration) {
	msg := up.Message
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", name),
		),
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = r.sender.SendText(ctx, req.Chat, "Busy, please try again in a moment.", nil)
	}
}

func newReqID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
