package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestChallenge(t *testing.T, s *SQLStore, author string, tasks ...string) *types.ChallengeDefinition {
	t.Helper()
	if len(tasks) == 0 {
		tasks = []string{"Run"}
	}
	def := &types.ChallengeDefinition{
		AuthorID:     author,
		Name:         "Morning routine",
		Frequency:    types.Frequency{Kind: types.FrequencyDaily},
		DurationDays: 30,
		Visibility:   types.VisibilityPublic,
		Policy:       types.DefaultPolicy(),
	}
	for _, title := range tasks {
		def.Tasks = append(def.Tasks, types.Task{Title: title})
	}
	if err := s.CreateChallenge(context.Background(), def); err != nil {
		t.Fatalf("CreateChallenge() error = %v", err)
	}
	return def
}

func createTestInstance(t *testing.T, s *SQLStore, def *types.ChallengeDefinition, owner string, invited ...string) *types.ChallengeInstance {
	t.Helper()
	inst := &types.ChallengeInstance{
		ChallengeID: def.ID,
		OwnerID:     owner,
		Timezone:    "UTC",
		StartDate:   "2024-01-01",
		EndDate:     "2024-01-31",
		Members:     []types.Member{{UserID: owner, Status: types.MemberJoined, JoinedOn: "2024-01-01"}},
	}
	for _, u := range invited {
		inst.Members = append(inst.Members, types.Member{UserID: u, Status: types.MemberInvited, InvitedBy: owner})
	}
	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	return inst
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}); err == nil {
		t.Fatal("Open(oracle) expected error")
	}
}

func TestMigrationVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := MigrationVersion(s.DB(), s.Dialect())
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if v != 1 {
		t.Errorf("MigrationVersion() = %d, want 1", v)
	}
}

func TestRebind(t *testing.T) {
	s := &SQLStore{dialect: DriverPostgres}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("rebind() = %q", got)
	}

	s.dialect = DriverSQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind(sqlite) = %q, want unchanged", got)
	}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, &types.User{Email: "Ada@Example.com", DisplayName: "Ada", PasswordHash: "x"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	err := s.CreateUser(ctx, &types.User{Email: "ada@example.com", DisplayName: "Ada 2", PasswordHash: "y"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("CreateUser(duplicate) error = %v, want ErrDuplicateEmail", err)
	}

	u, err := s.GetUserByEmail(ctx, "ADA@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if u.DisplayName != "Ada" {
		t.Errorf("DisplayName = %q, want Ada", u.DisplayName)
	}
}

func TestSearchUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"Alice", "Alfred", "Bob"} {
		if err := s.CreateUser(ctx, &types.User{Email: name + "@example.com", DisplayName: name, PasswordHash: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.SearchUsers(ctx, "al", 10)
	if err != nil {
		t.Fatalf("SearchUsers() error = %v", err)
	}
	if len(users) != 2 {
		t.Errorf("SearchUsers(al) = %d users, want 2", len(users))
	}
}

func TestDeviceTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := &types.User{Email: "d@example.com", DisplayName: "D", PasswordHash: "x"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.RegisterDevice(ctx, types.DeviceToken{UserID: u.ID, Token: "tok", Platform: "ios"}); err != nil {
			t.Fatalf("RegisterDevice() error = %v", err)
		}
	}
	tokens, err := s.ListDeviceTokens(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 {
		t.Fatalf("ListDeviceTokens() = %d, want 1", len(tokens))
	}

	if err := s.DeleteDeviceToken(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	tokens, _ = s.ListDeviceTokens(ctx, u.ID)
	if len(tokens) != 0 {
		t.Errorf("ListDeviceTokens() after delete = %d, want 0", len(tokens))
	}
}

func TestGetChallenge_ReturnsTasksInOrder(t *testing.T) {
	s := newTestStore(t)
	def := createTestChallenge(t, s, "author", "Stretch", "Run", "Journal")

	got, err := s.GetChallenge(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("GetChallenge() error = %v", err)
	}
	if len(got.Tasks) != 3 {
		t.Fatalf("Tasks = %d, want 3", len(got.Tasks))
	}
	for i, want := range []string{"Stretch", "Run", "Journal"} {
		if got.Tasks[i].Title != want || got.Tasks[i].Order != i {
			t.Errorf("Tasks[%d] = %+v, want %s at order %d", i, got.Tasks[i], want, i)
		}
	}
	if got.Policy.Quota != types.QuotaAll {
		t.Errorf("Policy.Quota = %q, want all", got.Policy.Quota)
	}
}

func TestGetChallenge_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetChallenge(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChallenge(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateChallenge_ReordersAndAddsTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "author", "A", "B")

	def.Tasks = []types.Task{def.Tasks[1], def.Tasks[0], {Title: "C"}}
	def.Tasks[0].Title = "B renamed"
	if err := s.UpdateChallenge(ctx, def); err != nil {
		t.Fatalf("UpdateChallenge() error = %v", err)
	}

	got, _ := s.GetChallenge(ctx, def.ID)
	titles := []string{got.Tasks[0].Title, got.Tasks[1].Title, got.Tasks[2].Title}
	if titles[0] != "B renamed" || titles[1] != "A" || titles[2] != "C" {
		t.Errorf("titles = %v", titles)
	}
}

func TestUpdateChallenge_BlocksDeletingReferencedTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "author", "A", "B")
	inst := createTestInstance(t, s, def, "author")

	if err := s.AppendCheckIn(ctx, &types.CheckInEntry{InstanceID: inst.ID, TaskID: def.Tasks[1].ID, UserID: "author", Day: "2024-01-01"}); err != nil {
		t.Fatal(err)
	}

	def.Tasks = def.Tasks[:1]
	err := s.UpdateChallenge(ctx, def)
	if !errors.Is(err, ErrTaskInUse) {
		t.Fatalf("UpdateChallenge() error = %v, want ErrTaskInUse", err)
	}
	got, _ := s.GetChallenge(ctx, def.ID)
	if len(got.Tasks) != 2 {
		t.Errorf("Tasks = %d after rollback, want 2", len(got.Tasks))
	}
}

func TestListPopularChallenges_ExcludesPrivateAndArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	public := createTestChallenge(t, s, "a")
	archived := createTestChallenge(t, s, "a")
	private := &types.ChallengeDefinition{
		AuthorID: "a", Name: "secret", Frequency: types.Frequency{Kind: types.FrequencyDaily},
		DurationDays: 7, Visibility: types.VisibilityPrivate, Policy: types.DefaultPolicy(),
	}
	if err := s.CreateChallenge(ctx, private); err != nil {
		t.Fatal(err)
	}
	if err := s.ArchiveChallenge(ctx, archived.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListPopularChallenges(ctx, 10)
	if err != nil {
		t.Fatalf("ListPopularChallenges() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != public.ID {
		t.Errorf("ListPopularChallenges() = %v, want only %s", got, public.ID)
	}

	all, _ := s.ListChallenges(ctx, ChallengeFilter{IncludeArchived: true})
	if len(all) != 3 {
		t.Errorf("ListChallenges(archived) = %d, want 3", len(all))
	}
}

func TestInstanceMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner", "partner")

	if _, err := s.FindActiveInstance(ctx, def.ID, "partner"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindActiveInstance(invited) error = %v, want ErrNotFound", err)
	}

	joined, err := s.JoinMember(ctx, inst.ID, "partner", "2024-01-03")
	if err != nil || !joined {
		t.Fatalf("JoinMember() = %v, %v; want true", joined, err)
	}
	joined, _ = s.JoinMember(ctx, inst.ID, "partner", "2024-01-04")
	if joined {
		t.Error("JoinMember() twice reported a change")
	}

	found, err := s.FindActiveInstance(ctx, def.ID, "partner")
	if err != nil {
		t.Fatalf("FindActiveInstance() error = %v", err)
	}
	m, _ := found.Member("partner")
	if m.Status != types.MemberJoined || m.JoinedOn != "2024-01-03" {
		t.Errorf("member = %+v", m)
	}

	added, err := s.AddMembers(ctx, inst.ID, []types.Member{
		{UserID: "partner", Status: types.MemberInvited},
		{UserID: "third", Status: types.MemberInvited},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0] != "third" {
		t.Errorf("AddMembers() = %v, want [third]", added)
	}

	active, _ := s.ListActiveInstancesForUser(ctx, "partner")
	if len(active) != 1 {
		t.Errorf("ListActiveInstancesForUser() = %d, want 1", len(active))
	}
	if n, _ := s.CountInstances(ctx, def.ID); n != 1 {
		t.Errorf("CountInstances() = %d, want 1", n)
	}
}

func TestEnrollment_OneLiveInstancePerChallenge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	first := createTestInstance(t, s, def, "owner", "partner")

	dup := &types.ChallengeInstance{
		ChallengeID: def.ID, OwnerID: "owner", Timezone: "UTC", StartDate: "2024-01-02", EndDate: "2024-02-01",
		Members: []types.Member{{UserID: "owner", Status: types.MemberJoined}},
	}
	if err := s.CreateInstance(ctx, dup); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Fatalf("CreateInstance(second) error = %v, want ErrAlreadyEnrolled", err)
	}
	if _, err := s.GetInstance(ctx, dup.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back instance still stored: %v", err)
	}

	// partner already enrolled elsewhere cannot join first
	other := createTestInstance(t, s, def, "partner")
	if _, err := s.JoinMember(ctx, first.ID, "partner", "2024-01-02"); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Fatalf("JoinMember() error = %v, want ErrAlreadyEnrolled", err)
	}
	got, _ := s.GetInstance(ctx, first.ID)
	if m, _ := got.Member("partner"); m.Status != types.MemberInvited {
		t.Errorf("partner status = %s after failed join, want invited", m.Status)
	}

	// leaving releases the enrollment
	if _, err := s.ExitInstance(ctx, other.ID, "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if joined, err := s.JoinMember(ctx, first.ID, "partner", "2024-01-02"); err != nil || !joined {
		t.Fatalf("JoinMember() after exit = %v, %v", joined, err)
	}
	if _, err := s.ExitMember(ctx, first.ID, "partner", time.Now()); err != nil {
		t.Fatal(err)
	}
	createTestInstance(t, s, def, "partner")
}

func TestExitInstance_OnlyFirstCallChangesState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")

	changed, err := s.ExitInstance(ctx, inst.ID, "too busy", time.Now())
	if err != nil || !changed {
		t.Fatalf("ExitInstance() = %v, %v; want true", changed, err)
	}
	changed, err = s.ExitInstance(ctx, inst.ID, "again", time.Now())
	if err != nil || changed {
		t.Fatalf("ExitInstance() second = %v, %v; want false", changed, err)
	}

	got, _ := s.GetInstance(ctx, inst.ID)
	if got.Status != types.InstanceExited || got.ExitReason != "too busy" || got.ExitedAt == nil {
		t.Errorf("instance = %+v", got)
	}
	if m, _ := got.Member("owner"); m.Status != types.MemberExited {
		t.Errorf("owner member status = %s, want exited", m.Status)
	}
	if done, _ := s.CompleteInstance(ctx, inst.ID, time.Now()); done {
		t.Error("CompleteInstance() moved an exited instance")
	}
}

func TestRenameInstance_KeepsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")

	if err := s.RenameInstance(ctx, inst.ID, "Our run", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetInstance(ctx, inst.ID)
	if got.DisplayName != "Our run" || got.StartDate != inst.StartDate || got.EndDate != inst.EndDate {
		t.Errorf("instance = %+v", got)
	}
}

func TestAppendCheckIn_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")

	e := &types.CheckInEntry{ID: "fixed", InstanceID: inst.ID, TaskID: def.Tasks[0].ID, UserID: "owner", Day: "2024-01-01"}
	if err := s.AppendCheckIn(ctx, e); err != nil {
		t.Fatal(err)
	}
	dup := *e
	if err := s.AppendCheckIn(ctx, &dup); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("AppendCheckIn(duplicate) error = %v, want ErrDuplicateEntry", err)
	}
	entries, _ := s.ListCheckIns(ctx, inst.ID, "owner")
	if len(entries) != 1 {
		t.Errorf("ListCheckIns() = %d, want 1", len(entries))
	}
}

func TestClaimDayCredit_SingleWinnerUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimDayCredit(ctx, inst.ID, "owner", "2024-01-02", "entry")
			if err != nil {
				t.Errorf("ClaimDayCredit() error = %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestSaveProgress_LongestNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")

	p := types.Progress{InstanceID: inst.ID, UserID: "owner", CurrentStreak: 5, LongestStreak: 5,
		Tasks: []types.TaskProgress{{TaskID: def.Tasks[0].ID, Completed: true, CompletedCount: 5}}}
	if err := s.SaveProgress(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.CurrentStreak, p.LongestStreak = 1, 3
	if err := s.SaveProgress(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetProgress(ctx, inst.ID, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStreak != 1 || got.LongestStreak != 5 {
		t.Errorf("progress = %d/%d, want 1/5", got.CurrentStreak, got.LongestStreak)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].CompletedCount != 5 {
		t.Errorf("Tasks = %+v", got.Tasks)
	}
}

func TestSaveProgress_IgnoresStaleEvaluations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")

	save := func(p types.Progress) {
		t.Helper()
		p.InstanceID, p.UserID = inst.ID, "owner"
		if err := s.SaveProgress(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	get := func() *types.Progress {
		t.Helper()
		got, err := s.GetProgress(ctx, inst.ID, "owner")
		if err != nil {
			t.Fatal(err)
		}
		return got
	}

	save(types.Progress{TotalCheckIns: 2, TodayComplete: true, EvaluatedThrough: "2024-03-04"})
	save(types.Progress{TotalCheckIns: 1, TodayComplete: false, EvaluatedThrough: "2024-03-04"})
	if got := get(); got.TotalCheckIns != 2 || !got.TodayComplete {
		t.Errorf("shorter ledger replaced the row: %+v", got)
	}

	save(types.Progress{TotalCheckIns: 2, TodayComplete: false, EvaluatedThrough: "2024-03-03"})
	if got := get(); got.EvaluatedThrough != "2024-03-04" {
		t.Errorf("earlier day replaced the row: %+v", got)
	}

	save(types.Progress{TotalCheckIns: 2, TodayComplete: false, MissedDays: 1, EvaluatedThrough: "2024-03-05"})
	if got := get(); got.EvaluatedThrough != "2024-03-05" || got.MissedDays != 1 {
		t.Errorf("later day was not saved: %+v", got)
	}

	save(types.Progress{TotalCheckIns: 3, EvaluatedThrough: "2024-03-05"})
	if got := get(); got.TotalCheckIns != 3 {
		t.Errorf("longer ledger was not saved: %+v", got)
	}
}

func TestGetCheckIn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")

	e := &types.CheckInEntry{InstanceID: inst.ID, TaskID: def.Tasks[0].ID, UserID: "owner", Day: "2024-01-01", Note: "5k", Bonus: true}
	if err := s.AppendCheckIn(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCheckIn(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskID != e.TaskID || got.Day != "2024-01-01" || got.Note != "5k" || !got.Bonus {
		t.Errorf("GetCheckIn() = %+v", got)
	}
	if _, err := s.GetCheckIn(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCheckIn(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAdvanceMilestone_Monotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner")
	if err := s.SaveProgress(ctx, types.Progress{InstanceID: inst.ID, UserID: "owner"}); err != nil {
		t.Fatal(err)
	}

	if ok, _ := s.AdvanceMilestone(ctx, inst.ID, "owner", 7); !ok {
		t.Error("AdvanceMilestone(7) = false, want true")
	}
	if ok, _ := s.AdvanceMilestone(ctx, inst.ID, "owner", 7); ok {
		t.Error("AdvanceMilestone(7) twice = true, want false")
	}
	if err := s.SaveProgress(ctx, types.Progress{InstanceID: inst.ID, UserID: "owner"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetProgress(ctx, inst.ID, "owner")
	if got.HighestMilestone != 7 {
		t.Errorf("HighestMilestone = %d after SaveProgress, want 7", got.HighestMilestone)
	}
}

func TestNotifications_InsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := &types.Notification{ID: "n1", Type: types.NotificationPartnerComplete, RecipientID: "bob",
		Payload: map[string]any{"day": "2024-01-01"}}

	created, err := s.InsertNotification(ctx, n)
	if err != nil || !created {
		t.Fatalf("InsertNotification() = %v, %v", created, err)
	}
	created, _ = s.InsertNotification(ctx, n)
	if created {
		t.Error("InsertNotification() duplicate reported created")
	}

	list, _ := s.ListNotifications(ctx, "bob", false, 10)
	if len(list) != 1 || list[0].Payload["day"] != "2024-01-01" {
		t.Errorf("ListNotifications() = %+v", list)
	}
}

func TestNotifications_ReadStateIsMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.InsertNotification(ctx, &types.Notification{ID: id, Type: types.NotificationChallengeExit, RecipientID: "bob"}); err != nil {
			t.Fatal(err)
		}
	}

	first := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	if err := s.MarkNotificationRead(ctx, "a", first); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkNotificationRead(ctx, "a", first.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	n, _ := s.GetNotification(ctx, "a")
	if !n.Read || n.ReadAt == nil || !n.ReadAt.Equal(first) {
		t.Errorf("notification a = %+v, want read at %v", n, first)
	}

	if c, _ := s.CountUnread(ctx, "bob"); c != 2 {
		t.Errorf("CountUnread() = %d, want 2", c)
	}
	unread, _ := s.ListNotifications(ctx, "bob", true, 10)
	if len(unread) != 2 {
		t.Errorf("ListNotifications(unread) = %d, want 2", len(unread))
	}

	marked, err := s.MarkAllRead(ctx, "bob", time.Now())
	if err != nil || marked != 2 {
		t.Errorf("MarkAllRead() = %d, %v; want 2", marked, err)
	}
	if c, _ := s.CountUnread(ctx, "bob"); c != 0 {
		t.Errorf("CountUnread() after MarkAllRead = %d", c)
	}

	pruned, err := s.PruneNotifications(ctx, time.Now().Add(time.Hour))
	if err != nil || pruned != 3 {
		t.Errorf("PruneNotifications() = %d, %v; want 3", pruned, err)
	}
}

func TestNotifications_DeliveryBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := s.InsertNotification(ctx, &types.Notification{ID: id, Type: types.NotificationChallengeExit, RecipientID: "bob"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MarkDelivered(ctx, "a", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDeliveryFailure(ctx, "b", "timeout"); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.ListUndelivered(ctx, 10, 3)
	if len(pending) != 1 || pending[0].ID != "b" || pending[0].DeliveryAttempts != 1 {
		t.Errorf("ListUndelivered() = %+v", pending)
	}
	pending, _ = s.ListUndelivered(ctx, 10, 1)
	if len(pending) != 0 {
		t.Errorf("ListUndelivered(maxAttempts=1) = %d, want 0", len(pending))
	}
}

func TestIdempotency_SaveGetExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	resp := IdempotentResponse{Status: 201, Body: []byte(`{"ok":true}`), ExpiresAt: now.Add(time.Hour)}
	if err := s.SaveIdempotentResponse(ctx, "u", "k", resp); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveIdempotentResponse(ctx, "u", "k", IdempotentResponse{Status: 500, Body: []byte("x"), ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetIdempotentResponse(ctx, "u", "k", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != 201 || string(got.Body) != `{"ok":true}` {
		t.Errorf("cached = %d %s, want first response", got.Status, got.Body)
	}

	if _, err := s.GetIdempotentResponse(ctx, "u", "k", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired lookup error = %v, want ErrNotFound", err)
	}
	n, err := s.CleanExpiredIdempotency(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("CleanExpiredIdempotency() = %d, %v; want 1", n, err)
	}
}

func TestCoachMessages_CountSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	for i, user := range []string{"a", "a", "b"} {
		m := &types.CoachMessage{UserID: user, Prompt: "p", Response: "r", Model: "m", CreatedAt: day.Add(time.Duration(i) * time.Hour)}
		if err := s.RecordCoachMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordCoachMessage(ctx, &types.CoachMessage{UserID: "a", Prompt: "p", Response: "r", Model: "m", CreatedAt: day.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountCoachMessagesSince(ctx, "a", day); n != 2 {
		t.Errorf("CountCoachMessagesSince(a) = %d, want 2", n)
	}
	if n, _ := s.CountCoachMessagesSince(ctx, "", day); n != 3 {
		t.Errorf("CountCoachMessagesSince(all) = %d, want 3", n)
	}
	msgs, _ := s.ListCoachMessages(ctx, "a", 2)
	if len(msgs) != 2 || !msgs[0].CreatedAt.After(msgs[1].CreatedAt) {
		t.Errorf("ListCoachMessages() = %+v", msgs)
	}
}

func TestRefreshChallengeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := createTestChallenge(t, s, "owner")
	inst := createTestInstance(t, s, def, "owner", "partner")
	done := createTestInstance(t, s, def, "other")
	if _, err := s.CompleteInstance(ctx, done.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveProgress(ctx, types.Progress{InstanceID: inst.ID, UserID: "owner", CompletionRate: 50}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RefreshChallengeStats(ctx); err != nil {
		t.Fatalf("RefreshChallengeStats() error = %v", err)
	}
	got, _ := s.GetChallenge(ctx, def.ID)
	want := types.ChallengeStats{TotalUsers: 2, ActiveUsers: 1, CompletionRate: 100, AvgSuccessRate: 50}
	if got.Stats != want {
		t.Errorf("Stats = %+v, want %+v", got.Stats, want)
	}

	stats, err := s.SystemStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ActiveInstances != 1 {
		t.Errorf("ActiveInstances = %d, want 1", stats.ActiveInstances)
	}
}

func TestIsTransient(t *testing.T) {
	if isTransient(errors.New("boom")) {
		t.Error("isTransient(plain) = true")
	}
	if isTransient(ErrNotFound) {
		t.Error("isTransient(ErrNotFound) = true")
	}
}

func TestRun_NonTransientErrorIsNotRetried(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	want := errors.New("bad input")
	err := s.run(context.Background(), func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 1 {
		t.Errorf("run() = %v after %d calls, want %v after 1", err, calls, want)
	}
}
