package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lumenlabs/brains"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := brains.Run{
		ID:         "r1",
		BrainTitle: "Counter",
		Status:     brains.RunRunning,
		Options:    brains.State{"speed": float64(2)},
		CreatedAt:  100,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.BrainTitle != "Counter" || got.Status != brains.RunRunning {
		t.Errorf("GetRun = %+v", got)
	}
	if got.Options["speed"] != float64(2) {
		t.Errorf("options = %v", got.Options)
	}

	var nf *brains.NotFoundError
	if _, err := s.GetRun(ctx, "absent"); !errors.As(err, &nf) {
		t.Errorf("missing run: err = %v, want NotFoundError", err)
	}

	if err := s.UpdateRunStatus(ctx, "r1", brains.RunComplete, 200); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	got, _ = s.GetRun(ctx, "r1")
	if got.Status != brains.RunComplete || got.CompletedAt != 200 {
		t.Errorf("after update = %+v", got)
	}
	if err := s.UpdateRunStatus(ctx, "absent", brains.RunComplete, 0); !errors.As(err, &nf) {
		t.Errorf("update missing run: err = %v, want NotFoundError", err)
	}
}

func TestListRunsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		err := s.CreateRun(ctx, brains.Run{
			ID: id, BrainTitle: "B", Status: brains.RunRunning, CreatedAt: int64(100 + i),
		})
		if err != nil {
			t.Fatalf("CreateRun %s: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, "B", 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns = %+v, want newest first limited to 2", runs)
	}

	byStatus, err := s.ListRunsByStatus(ctx, brains.RunRunning)
	if err != nil {
		t.Fatalf("ListRunsByStatus: %v", err)
	}
	if len(byStatus) != 3 || byStatus[0].ID != "a" {
		t.Errorf("ListRunsByStatus = %+v, want oldest first", byStatus)
	}
}

func TestAppendEventSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, brains.Run{ID: "r1", BrainTitle: "B", Status: brains.RunRunning, CreatedAt: 1}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		seq, err := s.AppendEvent(ctx, "r1", brains.Event{Type: brains.EventStart, RunID: "r1"})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if seq != want {
			t.Errorf("seq = %d, want %d", seq, want)
		}
	}

	events, err := s.ListEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	var nf *brains.NotFoundError
	if _, err := s.AppendEvent(ctx, "absent", brains.Event{Type: brains.EventStart}); !errors.As(err, &nf) {
		t.Errorf("append to missing run: err = %v, want NotFoundError", err)
	}

	// Terminal runs reject further appends.
	if err := s.UpdateRunStatus(ctx, "r1", brains.RunComplete, 9); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if _, err := s.AppendEvent(ctx, "r1", brains.Event{Type: brains.EventHeartbeat}); err == nil {
		t.Error("append to terminal run must fail")
	}
}

func TestRunOwnerSingleHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireRunOwner(ctx, "r1", "tok-a")
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireRunOwner(ctx, "r1", "tok-a"); !ok {
		t.Error("same-token reacquire refused")
	}
	if ok, _ := s.AcquireRunOwner(ctx, "r1", "tok-b"); ok {
		t.Error("second token admitted")
	}
	// Release with the wrong token is a no-op.
	if err := s.ReleaseRunOwner(ctx, "r1", "tok-b"); err != nil {
		t.Fatalf("release wrong token: %v", err)
	}
	if ok, _ := s.AcquireRunOwner(ctx, "r1", "tok-b"); ok {
		t.Error("ownership lost to wrong-token release")
	}
	if err := s.ReleaseRunOwner(ctx, "r1", "tok-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := s.AcquireRunOwner(ctx, "r1", "tok-b"); !ok {
		t.Error("acquire after release refused")
	}
}

func TestWebhookWaits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, brains.Run{ID: "r1", BrainTitle: "B", Status: brains.RunWaiting, CreatedAt: 1}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	regs := []brains.WebhookRegistration{
		{Slug: "approvals", Identifier: "req-1", TimeoutSeconds: 60},
		{Slug: "approvals", Identifier: "req-2", PayloadSchema: []byte(`{"type":"object"}`)},
	}
	if err := s.PutWebhookWait(ctx, "r1", regs); err != nil {
		t.Fatalf("PutWebhookWait: %v", err)
	}

	got, err := s.GetWebhookWait(ctx, "r1")
	if err != nil {
		t.Fatalf("GetWebhookWait: %v", err)
	}
	if len(got) != 2 || got[0].Identifier != "req-1" || got[0].TimeoutSeconds != 60 {
		t.Errorf("GetWebhookWait = %+v", got)
	}
	if string(got[1].PayloadSchema) != `{"type":"object"}` {
		t.Errorf("schema = %s", got[1].PayloadSchema)
	}

	runID, reg, err := s.FindWaitingRun(ctx, "approvals", "req-2")
	if err != nil {
		t.Fatalf("FindWaitingRun: %v", err)
	}
	if runID != "r1" || reg.Identifier != "req-2" {
		t.Errorf("FindWaitingRun = %s, %+v", runID, reg)
	}

	var nf *brains.NotFoundError
	if _, _, err := s.FindWaitingRun(ctx, "approvals", "req-9"); !errors.As(err, &nf) {
		t.Errorf("no match: err = %v, want NotFoundError", err)
	}

	// Only WAITING runs match.
	if err := s.UpdateRunStatus(ctx, "r1", brains.RunRunning, 0); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if _, _, err := s.FindWaitingRun(ctx, "approvals", "req-1"); !errors.As(err, &nf) {
		t.Errorf("non-waiting run matched: err = %v", err)
	}

	if err := s.ClearWebhookWait(ctx, "r1"); err != nil {
		t.Fatalf("ClearWebhookWait: %v", err)
	}
	if got, _ := s.GetWebhookWait(ctx, "r1"); len(got) != 0 {
		t.Errorf("wait not cleared: %+v", got)
	}
}

func TestFindWaitingRunOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"new", "old"} {
		createdAt := int64(200 - 100*i)
		if err := s.CreateRun(ctx, brains.Run{ID: id, BrainTitle: "B", Status: brains.RunWaiting, CreatedAt: createdAt}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if err := s.PutWebhookWait(ctx, id, []brains.WebhookRegistration{{Slug: "s", Identifier: "i"}}); err != nil {
			t.Fatalf("PutWebhookWait: %v", err)
		}
	}

	runID, _, err := s.FindWaitingRun(ctx, "s", "i")
	if err != nil {
		t.Fatalf("FindWaitingRun: %v", err)
	}
	if runID != "old" {
		t.Errorf("FindWaitingRun = %q, want the oldest run", runID)
	}
}

func TestSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sched := brains.Schedule{
		ID: "s1", BrainTitle: "Nightly", CronExpression: "0 3 * * *",
		Timezone: "America/New_York", Enabled: true, CreatedAt: 1,
	}
	if err := s.CreateSchedule(ctx, sched); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	got, err := s.GetSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.CronExpression != "0 3 * * *" || got.Timezone != "America/New_York" || !got.Enabled {
		t.Errorf("GetSchedule = %+v", got)
	}

	all, err := s.ListSchedules(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListSchedules = %+v, %v", all, err)
	}

	entry := brains.ScheduledRun{
		ID: "sr1", ScheduleID: "s1", BrainTitle: "Nightly",
		RunAt: 100, Status: "triggered", BrainRunID: "r1",
	}
	if err := s.RecordScheduledRun(ctx, entry); err != nil {
		t.Fatalf("RecordScheduledRun: %v", err)
	}
	fired, err := s.ListScheduledRuns(ctx, 10)
	if err != nil || len(fired) != 1 || fired[0].BrainRunID != "r1" {
		t.Fatalf("ListScheduledRuns = %+v, %v", fired, err)
	}

	if err := s.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	var nf *brains.NotFoundError
	if _, err := s.GetSchedule(ctx, "s1"); !errors.As(err, &nf) {
		t.Errorf("deleted schedule: err = %v, want NotFoundError", err)
	}
	// Firing records outlive their schedule.
	if fired, _ := s.ListScheduledRuns(ctx, 10); len(fired) != 1 {
		t.Errorf("scheduled runs lost with schedule")
	}
}

func TestConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetConfig(ctx, "scheduler.timezone")
	if err != nil || v != "" {
		t.Fatalf("unset config = %q, %v", v, err)
	}
	if err := s.SetConfig(ctx, "scheduler.timezone", "Europe/Berlin"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if err := s.SetConfig(ctx, "scheduler.timezone", "UTC"); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	v, _ = s.GetConfig(ctx, "scheduler.timezone")
	if v != "UTC" {
		t.Errorf("config = %q, want UTC", v)
	}
}

func TestResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := brains.Resource{
		Key: "reports/june.csv", ContentType: "text/csv",
		Data: []byte("a,b\n1,2\n"), UpdatedAt: 10,
	}
	if err := s.PutResource(ctx, r); err != nil {
		t.Fatalf("PutResource: %v", err)
	}

	got, err := s.GetResource(ctx, "reports/june.csv")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if string(got.Data) != "a,b\n1,2\n" || got.ContentType != "text/csv" || got.Size != 8 {
		t.Errorf("GetResource = %+v", got)
	}

	// Listing carries metadata without blob payloads.
	list, err := s.ListResources(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListResources = %+v, %v", list, err)
	}
	if list[0].Size != 8 || len(list[0].Data) != 0 {
		t.Errorf("ListResources entry = %+v, want metadata only", list[0])
	}

	if err := s.DeleteResource(ctx, "reports/june.csv"); err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	var nf *brains.NotFoundError
	if _, err := s.GetResource(ctx, "reports/june.csv"); !errors.As(err, &nf) {
		t.Errorf("deleted resource: err = %v, want NotFoundError", err)
	}
}

func TestSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutSecret(ctx, "API_KEY", "v1"); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	if err := s.PutSecret(ctx, "API_KEY", "v2"); err != nil {
		t.Fatalf("PutSecret overwrite: %v", err)
	}
	if err := s.PutSecret(ctx, "OTHER", "x"); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}

	v, err := s.GetSecret(ctx, "API_KEY")
	if err != nil || v != "v2" {
		t.Errorf("GetSecret = %q, %v", v, err)
	}
	names, err := s.ListSecretNames(ctx)
	if err != nil || len(names) != 2 || names[0] != "API_KEY" {
		t.Errorf("ListSecretNames = %v, %v", names, err)
	}

	if err := s.DeleteSecret(ctx, "API_KEY"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	var nf *brains.NotFoundError
	if _, err := s.GetSecret(ctx, "API_KEY"); !errors.As(err, &nf) {
		t.Errorf("deleted secret: err = %v, want NotFoundError", err)
	}
}

func TestPagesPreserveCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := brains.Page{
		Slug: "status", Title: "Status", Body: "# Up\n",
		FormSchema: []byte(`{"fields":[]}`), CreatedAt: 10, UpdatedAt: 10,
	}
	if err := s.PutPage(ctx, p); err != nil {
		t.Fatalf("PutPage: %v", err)
	}

	// Upsert keeps created_at, replaces the rest.
	p.Body = "# Down\n"
	p.CreatedAt = 99
	p.UpdatedAt = 20
	if err := s.PutPage(ctx, p); err != nil {
		t.Fatalf("PutPage update: %v", err)
	}

	got, err := s.GetPage(ctx, "status")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Body != "# Down\n" || got.UpdatedAt != 20 {
		t.Errorf("GetPage = %+v", got)
	}
	if got.CreatedAt != 10 {
		t.Errorf("CreatedAt = %d, want original 10", got.CreatedAt)
	}
	if string(got.FormSchema) != `{"fields":[]}` {
		t.Errorf("FormSchema = %s", got.FormSchema)
	}

	pages, err := s.ListPages(ctx)
	if err != nil || len(pages) != 1 {
		t.Fatalf("ListPages = %+v, %v", pages, err)
	}
	if err := s.DeletePage(ctx, "status"); err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	var nf *brains.NotFoundError
	if _, err := s.GetPage(ctx, "status"); !errors.As(err, &nf) {
		t.Errorf("deleted page: err = %v, want NotFoundError", err)
	}
}

func TestUsersAndKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := brains.User{ID: "u1", Name: "ops", CreatedAt: 1}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 1 || users[0].Name != "ops" {
		t.Fatalf("ListUsers = %+v, %v", users, err)
	}

	k := brains.UserKey{UserID: "u1", Fingerprint: "fp1", PublicKey: "ssh-ed25519 AAA", CreatedAt: 2}
	if err := s.AddUserKey(ctx, k); err != nil {
		t.Fatalf("AddUserKey: %v", err)
	}
	keys, err := s.ListUserKeys(ctx, "u1")
	if err != nil || len(keys) != 1 || keys[0].Fingerprint != "fp1" {
		t.Fatalf("ListUserKeys = %+v, %v", keys, err)
	}

	if err := s.DeleteUserKey(ctx, "u1", "fp1"); err != nil {
		t.Fatalf("DeleteUserKey: %v", err)
	}
	if keys, _ := s.ListUserKeys(ctx, "u1"); len(keys) != 0 {
		t.Errorf("key not deleted: %+v", keys)
	}

	// Deleting a user removes their remaining keys too.
	if err := s.AddUserKey(ctx, k); err != nil {
		t.Fatalf("AddUserKey: %v", err)
	}
	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if users, _ := s.ListUsers(ctx); len(users) != 0 {
		t.Errorf("user not deleted: %+v", users)
	}
	if keys, _ := s.ListUserKeys(ctx, "u1"); len(keys) != 0 {
		t.Errorf("orphaned keys: %+v", keys)
	}
}
