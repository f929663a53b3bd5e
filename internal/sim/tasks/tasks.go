package tasks

import "fmt"

type Kind string

const (
	KindEvaluate Kind = "EVALUATE"
	KindThink    Kind = "THINK"
	KindMoveTo   Kind = "MOVE_TO"
)

// Env is the engine state an expression is evaluated against.
type Env interface {
	Lookup(name string) (any, bool)
}

// Expression is a named evaluator. Evaluating an expression that is
// already being evaluated is a programming error and panics.
type Expression struct {
	Name string
	Fn   func(env Env) any

	evaluating bool
}

func (e *Expression) Evaluate(env Env) any {
	if e.evaluating {
		panic(fmt.Sprintf("tasks: re-entrant evaluation of %q", e.Name))
	}
	e.evaluating = true
	defer func() { e.evaluating = false }()
	if e.Fn == nil {
		return nil
	}
	return e.Fn(env)
}

func (e *Expression) Evaluating() bool { return e.evaluating }

// Const returns an expression that always yields v.
func Const(name string, v any) *Expression {
	return &Expression{Name: name, Fn: func(Env) any { return v }}
}

// Var returns an expression that reads name from the env, nil when absent.
func Var(name string) *Expression {
	return &Expression{Name: name, Fn: func(env Env) any {
		v, _ := env.Lookup(name)
		return v
	}}
}

type Task struct {
	TaskID      string
	Kind        Kind
	PlayerIndex int
	UnitID      int64
	Expr        *Expression
	StartedTick int64
}

type pending struct {
	task Task
	done func(result any)
}

// Runner evaluates queued tasks a bounded number per update and hands each
// result to its completion. Completions run on the caller of Update, never
// from Run.
type Runner struct {
	env       Env
	perUpdate int
	queue     []pending
	nextID    uint64
}

func NewRunner(env Env, perUpdate int) *Runner {
	if perUpdate <= 0 {
		perUpdate = 1
	}
	return &Runner{env: env, perUpdate: perUpdate}
}

// Run queues t and returns its id.
func (r *Runner) Run(t Task, done func(result any)) string {
	if t.TaskID == "" {
		r.nextID++
		t.TaskID = fmt.Sprintf("T%06d", r.nextID)
	}
	r.queue = append(r.queue, pending{task: t, done: done})
	return t.TaskID
}

// Cancel drops a queued task without running its completion.
func (r *Runner) Cancel(id string) bool {
	for i, p := range r.queue {
		if p.task.TaskID == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Runner) CancelAll() { r.queue = nil }

func (r *Runner) Pending() int { return len(r.queue) }

// Update evaluates up to the per-update budget in queue order and returns
// how many tasks completed.
func (r *Runner) Update() int {
	n := 0
	for n < r.perUpdate && len(r.queue) > 0 {
		p := r.queue[0]
		r.queue = r.queue[1:]
		var result any
		if p.task.Expr != nil {
			result = p.task.Expr.Evaluate(r.env)
		}
		if p.done != nil {
			p.done(result)
		}
		n++
	}
	return n
}
