// Package expr evaluates user-authored record filters in a sandboxed JavaScript runtime.
//
// A filter is a single expression. It sees the record's top-level fields as variables, the whole
// record as `record`, the evaluation instant as `now` (a Date) and `nowMs`, plus the pure helpers
// daysAgo(n), hoursAgo(n) and parseDate(v). No module loader, timers or host objects are exposed.
package expr

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/patrickmn/go-cache"
)

// DefaultTimeout bounds a single filter evaluation.
const DefaultTimeout = 100 * time.Millisecond

var (
	// ErrEmptyExpression is returned when the filter is blank.
	ErrEmptyExpression = errors.New("empty filter expression")

	// ErrTimeout is returned when a filter runs longer than the evaluator timeout.
	ErrTimeout = errors.New("filter expression timed out")
)

// Evaluator compiles and runs filter expressions. Compiled programs are cached by source text.
// It is safe for concurrent use; every evaluation gets its own runtime.
type Evaluator struct {
	timeout  time.Duration
	programs *cache.Cache
}

// NewEvaluator creates an evaluator. A non-positive timeout selects DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Evaluator{
		timeout:  timeout,
		programs: cache.New(30*time.Minute, 10*time.Minute),
	}
}

// Compile checks the expression syntax without running it.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)

	return err
}

// Match evaluates expression against record and reports whether the result is truthy.
func (e *Evaluator) Match(expression string, record map[string]any, now time.Time) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	err = bind(vm, record, now)
	if err != nil {
		return false, err
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	value, err := vm.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, ErrTimeout
		}

		return false, fmt.Errorf("failed to evaluate filter: %w", err)
	}

	return value.ToBoolean(), nil
}

func (e *Evaluator) program(expression string) (*goja.Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, ErrEmptyExpression
	}

	if cached, ok := e.programs.Get(expression); ok {
		return cached.(*goja.Program), nil
	}

	program, err := goja.Compile("filter", "("+expression+"\n)", true)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}

	e.programs.SetDefault(expression, program)

	return program, nil
}

func bind(vm *goja.Runtime, record map[string]any, now time.Time) error {
	for key, value := range record {
		if err := vm.Set(key, value); err != nil {
			return fmt.Errorf("failed to bind field %q: %w", key, err)
		}
	}

	nowMs := now.UnixMilli()

	date, err := vm.New(vm.Get("Date"), vm.ToValue(nowMs))
	if err != nil {
		return fmt.Errorf("failed to bind now: %w", err)
	}

	bindings := map[string]any{
		"record": record,
		"now":    date,
		"nowMs":  nowMs,
		"daysAgo": func(n float64) int64 {
			return nowMs - int64(n*float64(24*time.Hour/time.Millisecond))
		},
		"hoursAgo": func(n float64) int64 {
			return nowMs - int64(n*float64(time.Hour/time.Millisecond))
		},
		"parseDate": func(value goja.Value) float64 {
			ms, ok := ParseTimestamp(value.Export())
			if !ok {
				return math.NaN()
			}

			return float64(ms.UnixMilli())
		},
	}

	for name, value := range bindings {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	return nil
}
