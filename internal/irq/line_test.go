package irq_test

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/hostif/internal/irq"
	"github.com/tinyrange/hostif/internal/irq/sim"
)

var hostifSource = irq.Source{Controller: 0, Line: 5}

type recorder struct {
	calls int
	args  []any
}

func (r *recorder) handle(arg any) {
	r.calls++
	r.args = append(r.args, arg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLine(t *testing.T, cfg sim.Config) (*irq.Line[*sim.Controller], *sim.Controller) {
	t.Helper()
	if cfg.Sources == nil {
		cfg.Sources = []irq.Source{hostifSource}
	}
	ctrl := sim.New(cfg)
	return irq.NewLine(ctrl, hostifSource, irq.WithLogger(quietLogger())), ctrl
}

func fire(t *testing.T, ctrl *sim.Controller) {
	t.Helper()
	if err := ctrl.Fire(hostifSource); err != nil {
		t.Fatalf("fire: %v", err)
	}
}

func TestLineStartsDisabledAndUnbound(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	if line.Enabled() {
		t.Fatalf("new line reports enabled")
	}
	if line.Bound() {
		t.Fatalf("new line reports a bound handler")
	}
	if ctrl.Enabled(hostifSource) {
		t.Fatalf("controller unmasked before SetEnabled")
	}
	if got := line.Source(); got != hostifSource {
		t.Fatalf("Source() = %v, want %v", got, hostifSource)
	}
}

func TestRegisterEnableFireDeliversContextOnce(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	rec := &recorder{}
	ctx := &struct{ id int }{id: 7}

	if err := line.Register(rec.handle, ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	fire(t, ctrl)

	if rec.calls != 1 {
		t.Fatalf("handler called %d times, want 1", rec.calls)
	}
	got, ok := rec.args[0].(*struct{ id int })
	if !ok || got != ctx {
		t.Fatalf("handler got %#v, want the registered pointer %p", rec.args[0], ctx)
	}
}

func TestRegisterAcceptsNilContext(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	rec := &recorder{}
	if err := line.Register(rec.handle, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	fire(t, ctrl)
	if rec.calls != 1 || rec.args[0] != nil {
		t.Fatalf("calls=%d args=%v, want one call with nil", rec.calls, rec.args)
	}
}

func TestRegisterDoesNotEnable(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{Policy: sim.Drop})
	rec := &recorder{}
	if err := line.Register(rec.handle, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	fire(t, ctrl)
	if rec.calls != 0 {
		t.Fatalf("handler ran before the line was enabled")
	}
	if line.Enabled() {
		t.Fatalf("Register changed the gate state")
	}
}

func TestSetEnabledTwice(t *testing.T) {
	for _, strict := range []bool{false, true} {
		line, ctrl := newLine(t, sim.Config{StrictMasking: strict})

		for i := 0; i < 2; i++ {
			if err := line.SetEnabled(true); err != nil {
				t.Fatalf("strict=%v: enable #%d: %v", strict, i+1, err)
			}
		}
		if !line.Enabled() || !ctrl.Enabled(hostifSource) {
			t.Fatalf("strict=%v: line not enabled after two enables", strict)
		}

		for i := 0; i < 2; i++ {
			if err := line.SetEnabled(false); err != nil {
				t.Fatalf("strict=%v: disable #%d: %v", strict, i+1, err)
			}
		}
		if line.Enabled() || ctrl.Enabled(hostifSource) {
			t.Fatalf("strict=%v: line enabled after two disables", strict)
		}
	}
}

func TestStrictControllerRejectsRedundantCalls(t *testing.T) {
	// The line absorbs these; the controller on its own does not.
	ctrl := sim.New(sim.Config{StrictMasking: true})
	if err := ctrl.DisableLine(hostifSource); err == nil {
		t.Fatalf("strict controller accepted disable of a masked source")
	}
}

func TestDisableSuppressesDeliveryUntilEnabled(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{Policy: sim.Drop})
	rec := &recorder{}
	if err := line.Register(rec.handle, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := line.SetEnabled(false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	for i := 0; i < 3; i++ {
		fire(t, ctrl)
	}
	if rec.calls != 0 {
		t.Fatalf("handler ran %d times while disabled", rec.calls)
	}

	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("drop policy replayed a masked request")
	}
	fire(t, ctrl)
	if rec.calls != 1 {
		t.Fatalf("handler called %d times after re-enable, want 1", rec.calls)
	}
	if st := ctrl.Stats(); st.Dropped != 3 {
		t.Fatalf("dropped = %d, want 3", st.Dropped)
	}
}

func TestLatchedRequestDeliveredOnEnable(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{Policy: sim.Latch})
	rec := &recorder{}
	if err := line.Register(rec.handle, "ctx"); err != nil {
		t.Fatalf("register: %v", err)
	}
	fire(t, ctrl)
	fire(t, ctrl)
	if rec.calls != 0 {
		t.Fatalf("handler ran while masked")
	}
	if !ctrl.Pending(hostifSource) {
		t.Fatalf("request not latched")
	}

	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("latched requests delivered %d times, want 1", rec.calls)
	}
}

func TestRegisterFailureReportsNoResource(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	ctrl.FailNext(sim.OpRegister, sim.CodeBusy)

	rec := &recorder{}
	err := line.Register(rec.handle, nil)
	if !errors.Is(err, irq.ErrNoResource) {
		t.Fatalf("register error = %v, want ErrNoResource", err)
	}
	if got := irq.Status(err); got != irq.NoResource {
		t.Fatalf("Status = %v, want NoResource", got)
	}
	if line.Bound() {
		t.Fatalf("failed registration left a binding")
	}
	if line.Enabled() {
		t.Fatalf("failed registration changed the gate")
	}

	// Enabling anyway is a caller error, but must not run anything.
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	fire(t, ctrl)
	if rec.calls != 0 {
		t.Fatalf("rejected handler ran")
	}
}

func TestFailedReplacementDoesNotRunStaleHandler(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	first, second := &recorder{}, &recorder{}

	if err := line.Register(first.handle, nil); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	ctrl.FailNext(sim.OpRegister, sim.CodeInvalid)
	if err := line.Register(second.handle, nil); err == nil {
		t.Fatalf("register second succeeded despite injected fault")
	}

	fire(t, ctrl)
	if first.calls != 0 || second.calls != 0 {
		t.Fatalf("first=%d second=%d, want no calls", first.calls, second.calls)
	}
}

func TestRegisterInvalidSource(t *testing.T) {
	ctrl := sim.New(sim.Config{Sources: []irq.Source{hostifSource}})
	line := irq.NewLine(ctrl, irq.Source{Controller: 1, Line: 5}, irq.WithLogger(quietLogger()))
	if err := line.Register(func(any) {}, nil); !errors.Is(err, irq.ErrNoResource) {
		t.Fatalf("register on invalid source = %v, want ErrNoResource", err)
	}
	if err := line.SetEnabled(true); !errors.Is(err, irq.ErrNoResource) {
		t.Fatalf("enable on invalid source = %v, want ErrNoResource", err)
	}
}

func TestRegisterTableExhaustion(t *testing.T) {
	other := irq.Source{Controller: 0, Line: 6}
	ctrl := sim.New(sim.Config{Capacity: 1})
	if err := ctrl.RegisterHandler(other, func(any) {}, nil); err != nil {
		t.Fatalf("fill table: %v", err)
	}
	line := irq.NewLine(ctrl, hostifSource, irq.WithLogger(quietLogger()))
	if err := line.Register(func(any) {}, nil); !errors.Is(err, irq.ErrNoResource) {
		t.Fatalf("register on full table = %v, want ErrNoResource", err)
	}
}

func TestReplaceBinding(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	a, b := &recorder{}, &recorder{}
	if err := line.Register(a.handle, 1); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := line.Register(b.handle, 2); err != nil {
		t.Fatalf("register b: %v", err)
	}
	fire(t, ctrl)
	if a.calls != 0 || b.calls != 1 || b.args[0] != 2 {
		t.Fatalf("a=%d b=%v, want only b with 2", a.calls, b.args)
	}
}

func TestUnregisterClearsBinding(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	rec := &recorder{}
	if err := line.Register(rec.handle, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := line.Unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if line.Bound() || ctrl.Bound(hostifSource) {
		t.Fatalf("binding survived Unregister")
	}
	fire(t, ctrl)
	if rec.calls != 0 {
		t.Fatalf("cleared handler ran")
	}
}

func TestUnregisterOnPersistingController(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{PersistHandlers: true})
	rec := &recorder{}
	if err := line.Register(rec.handle, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := line.Register(nil, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !line.Bound() {
		t.Fatalf("persisting controller: Bound() = false after clear")
	}
	fire(t, ctrl)
	if rec.calls != 1 {
		t.Fatalf("persisting controller: handler called %d times, want 1", rec.calls)
	}
}

// register(A, 0x1000), enable, fire, disable, fire.
func TestScenarioFireThenMask(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{Policy: sim.Drop})
	rec := &recorder{}
	const ctx = uintptr(0x1000)

	if err := line.Register(rec.handle, ctx); irq.Status(err) != irq.Successful {
		t.Fatalf("register: %v", err)
	}
	if err := line.SetEnabled(true); irq.Status(err) != irq.Successful {
		t.Fatalf("enable: %v", err)
	}
	fire(t, ctrl)
	if rec.calls != 1 || rec.args[0] != ctx {
		t.Fatalf("after first fire calls=%d args=%v", rec.calls, rec.args)
	}
	if err := line.SetEnabled(false); irq.Status(err) != irq.Successful {
		t.Fatalf("disable: %v", err)
	}
	fire(t, ctrl)
	if rec.calls != 1 {
		t.Fatalf("handler ran after disable")
	}
}

func TestScenarioEnableRejected(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	ctrl.FailNext(sim.OpEnable, -5)

	err := line.SetEnabled(true)
	if irq.Status(err) != irq.NoResource {
		t.Fatalf("enable status = %v, want NoResource", irq.Status(err))
	}
	if line.Enabled() {
		t.Fatalf("gate changed after rejected enable")
	}
	if ctrl.Enabled(hostifSource) {
		t.Fatalf("controller unmasked after rejected enable")
	}
}

func TestDisableRejectedKeepsState(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	ctrl.FailNext(sim.OpDisable, sim.CodeBusy)
	if err := line.SetEnabled(false); !errors.Is(err, irq.ErrNoResource) {
		t.Fatalf("disable = %v, want ErrNoResource", err)
	}
	if !line.Enabled() {
		t.Fatalf("gate changed after rejected disable")
	}
}

func TestErrorDoesNotExposePlatformStatus(t *testing.T) {
	line, ctrl := newLine(t, sim.Config{})
	ctrl.FailNext(sim.OpRegister, sim.CodeNoSpace)
	err := line.Register(func(any) {}, nil)

	var platform *sim.StatusError
	if errors.As(err, &platform) {
		t.Fatalf("platform error leaked through %v", err)
	}
	var e *irq.Error
	if !errors.As(err, &e) {
		t.Fatalf("error %T is not *irq.Error", err)
	}
	if e.Op != "register" || e.Source != hostifSource {
		t.Fatalf("unexpected error fields %+v", e)
	}
	if !strings.Contains(err.Error(), "no resource") {
		t.Fatalf("error text %q", err.Error())
	}
}

func TestStatusOf(t *testing.T) {
	if got := irq.Status(nil); got != irq.Successful {
		t.Fatalf("Status(nil) = %v", got)
	}
	if got := irq.Status(errors.New("other")); got != irq.NoResource {
		t.Fatalf("Status(other) = %v", got)
	}
	if irq.Successful.String() != "successful" || irq.NoResource.String() != "no resource" {
		t.Fatalf("unexpected status names %q %q", irq.Successful, irq.NoResource)
	}
}
