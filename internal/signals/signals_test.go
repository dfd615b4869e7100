package signals_test

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/sysfleet/fleetd/internal/signals"
)

func TestFlagsWake(t *testing.T) {
	f := signals.NewFlags()

	select {
	case <-f.C():
		t.Fatal("wake channel fired before any Set call")
	default:
	}

	f.SetTerminate()
	select {
	case <-f.C():
	case <-time.After(time.Second):
		t.Fatal("SetTerminate did not notify the wake channel")
	}

	if !f.Terminate() {
		t.Fatal("Terminate() = false after SetTerminate")
	}
}

func TestFlagsWakeCoalesces(t *testing.T) {
	f := signals.NewFlags()

	f.SetReap()
	f.SetSigalrm()

	select {
	case <-f.C():
	default:
		t.Fatal("expected a pending wake after two Set calls")
	}
	select {
	case <-f.C():
		t.Fatal("wake channel should have been drained by the first receive")
	default:
	}
}

func TestClearReap(t *testing.T) {
	f := signals.NewFlags()
	f.SetReap()
	if !f.Reap() {
		t.Fatal("Reap() = false after SetReap")
	}
	f.ClearReap()
	if f.Reap() {
		t.Fatal("Reap() = true after ClearReap")
	}
}

func TestApplyViaIntake(t *testing.T) {
	f := signals.NewFlags()
	set := signals.Default()

	stop := signals.Intake(f, set)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), set.Alrm); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-f.C():
	case <-time.After(2 * time.Second):
		t.Fatal("SIGALRM was not delivered to Flags via Intake")
	}
	if !f.Sigalrm() {
		t.Fatal("Sigalrm() = false after delivering set.Alrm")
	}
}

func TestIsNoSuchProcess(t *testing.T) {
	if !signals.IsNoSuchProcess(syscall.ESRCH) {
		t.Fatal("IsNoSuchProcess(ESRCH) = false")
	}
	if signals.IsNoSuchProcess(errors.New("boom")) {
		t.Fatal("IsNoSuchProcess(unrelated error) = true")
	}
}

func TestKillNoSuchProcess(t *testing.T) {
	// Within the default pid_max range but vanishingly unlikely to be
	// assigned, to get ESRCH rather than EINVAL from a bogus pid.
	const farPid = 3999999
	err := signals.Kill(farPid, syscall.SIGTERM)
	if err == nil {
		t.Skip("pid unexpectedly exists on this system")
	}
	if !signals.IsNoSuchProcess(err) {
		t.Fatalf("Kill err = %v, want ESRCH", err)
	}
}
