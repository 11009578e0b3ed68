package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hospital/hms/pkg/rbac"
)

type fakeFetcher struct {
	mu    sync.Mutex
	set   *GrantSet
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeFetcher) Me(ctx context.Context) (*GrantSet, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.set, nil
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func doctorPatientsGrant() *GrantSet {
	return &GrantSet{Role: rbac.RoleDoctor, Grants: []*GrantRow{{
		Role: rbac.RoleDoctor, Module: rbac.ModulePatients,
		Actions: rbac.NewActionSet(rbac.ActionView, rbac.ActionEdit),
	}}}
}

func TestPermissions_GrantOverridesDefault(t *testing.T) {
	f := &fakeFetcher{set: doctorPatientsGrant()}
	p := NewPermissions(rbac.RoleDoctor, f)
	defer p.Close()
	p.Refresh(context.Background())

	if p.Can(rbac.ModulePatients, rbac.ActionCreate) {
		t.Error("grant row should deny create even though the default allows it")
	}
	if !p.Can(rbac.ModulePatients, rbac.ActionView) || p.Can(rbac.ModulePatients, rbac.ActionDelete) {
		t.Error("expected view allowed and delete denied")
	}
	if !p.AnyOf(rbac.ModulePatients, rbac.ActionDelete, rbac.ActionEdit) {
		t.Error("AnyOf should allow when one action is granted")
	}
	if p.AllOf(rbac.ModulePatients, rbac.ActionView, rbac.ActionDelete) {
		t.Error("AllOf should deny when one action is missing")
	}
	if !p.Can(rbac.ModuleAppointments, rbac.ActionApprove) {
		t.Error("modules without a grant row should use defaults")
	}
	if p.Degraded() {
		t.Error("expected not degraded")
	}
	select {
	case <-p.Changed():
	default:
		t.Error("expected a change signal after the snapshot was applied")
	}
}

func TestPermissions_FetchFailureUsesDefaults(t *testing.T) {
	f := &fakeFetcher{err: errors.New("503")}
	p := NewPermissions(rbac.RoleNurse, f)
	defer p.Close()
	p.Refresh(context.Background())

	if !p.Degraded() {
		t.Error("expected degraded after failed fetch")
	}
	if !p.Can(rbac.ModuleOxygen, rbac.ActionEdit) || p.Can(rbac.ModuleOxygen, rbac.ActionDelete) {
		t.Error("expected the default table for nurse/oxygen")
	}
	if p.Can(rbac.ModulePermissions, rbac.ActionView) {
		t.Error("modules absent from the defaults must be denied")
	}
}

func TestPermissions_FailureKeepsPreviousSnapshot(t *testing.T) {
	f := &fakeFetcher{set: doctorPatientsGrant()}
	p := NewPermissions(rbac.RoleDoctor, f)
	defer p.Close()
	p.Refresh(context.Background())

	f.fail(errors.New("timeout"))
	p.Refresh(context.Background())
	if !p.Degraded() {
		t.Error("expected degraded")
	}
	if p.Can(rbac.ModulePatients, rbac.ActionCreate) {
		t.Error("expected last good grants to stay in effect")
	}
}

func TestPermissions_RoleMismatchIsAFailure(t *testing.T) {
	f := &fakeFetcher{set: &GrantSet{Role: rbac.RoleAdmin}}
	p := NewPermissions(rbac.RolePatient, f)
	defer p.Close()
	p.Refresh(context.Background())
	if !p.Degraded() {
		t.Error("expected degraded on role mismatch")
	}
	if p.Can(rbac.ModuleUsers, rbac.ActionView) {
		t.Error("patient must not gain admin defaults")
	}
}

func TestPermissions_SuperAdminAlwaysAllowed(t *testing.T) {
	f := &fakeFetcher{err: errors.New("down")}
	p := NewPermissions(rbac.RoleSuperAdmin, f)
	defer p.Close()
	p.Refresh(context.Background())
	for _, m := range rbac.Modules() {
		for _, a := range rbac.Actions() {
			if !p.Can(m, a) {
				t.Fatalf("super_admin denied %s.%s", m, a)
			}
		}
	}
}

func TestPermissions_OverlappingRefreshesShareOneFetch(t *testing.T) {
	f := &fakeFetcher{set: doctorPatientsGrant(), gate: make(chan struct{})}
	p := NewPermissions(rbac.RoleDoctor, f)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Refresh(context.Background())
		}()
	}
	waitFor(t, "first fetch", func() bool { return f.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}
	if p.Can(rbac.ModulePatients, rbac.ActionCreate) {
		t.Error("expected the shared fetch to be applied")
	}
}

func TestPermissions_RefreshHonorsCallerContext(t *testing.T) {
	f := &fakeFetcher{set: doctorPatientsGrant(), gate: make(chan struct{})}
	p := NewPermissions(rbac.RoleDoctor, f)
	defer p.Close()
	defer close(f.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Refresh(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Refresh did not return after its context expired")
	}
}

func TestPermissions_StaleSnapshotRefreshesInBackground(t *testing.T) {
	f := &fakeFetcher{set: doctorPatientsGrant()}
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	p := NewPermissions(rbac.RoleDoctor, f, WithStaleAfter(time.Minute))
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	defer p.Close()
	p.Refresh(context.Background())

	p.Can(rbac.ModulePatients, rbac.ActionView)
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fresh snapshot must not refetch, got %d calls", n)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if !p.Can(rbac.ModulePatients, rbac.ActionView) {
		t.Error("stale lookup must still answer from the current snapshot")
	}
	waitFor(t, "background refresh", func() bool { return f.calls.Load() == 2 })
}

func TestPermissions_CloseDiscardsLateResult(t *testing.T) {
	f := &fakeFetcher{set: doctorPatientsGrant(), gate: make(chan struct{})}
	p := NewPermissions(rbac.RoleDoctor, f)

	done := make(chan struct{})
	go func() {
		p.Refresh(context.Background())
		close(done)
	}()
	waitFor(t, "fetch started", func() bool { return f.calls.Load() == 1 })
	p.Close()
	close(f.gate)
	<-done

	if !p.Can(rbac.ModulePatients, rbac.ActionCreate) {
		t.Error("a fetch completing after Close must not replace the snapshot")
	}
	p.Invalidate()
	if n := f.calls.Load(); n != 1 {
		t.Errorf("Invalidate after Close must not fetch, got %d calls", n)
	}
}
