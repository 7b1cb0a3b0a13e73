package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/schoold/internal/clock"
	"pkt.systems/schoold/internal/keys"
	"pkt.systems/schoold/internal/kv"
	kvmem "pkt.systems/schoold/internal/kv/memory"
	"pkt.systems/schoold/internal/repo"
	repomem "pkt.systems/schoold/internal/repo/memory"
	"pkt.systems/schoold/internal/schema"
)

type testEnv struct {
	svc  *Service
	repo *repomem.Store
	kv   kv.Store
	clk  *clock.Manual
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repomem.New()
	store.AddTenant(schema.Tenant{ID: "t1", Name: "Hillcrest", Active: true})
	store.AddSchoolType(schema.SchoolType{ID: "st-sec", Name: "Secondary"})
	store.AddSchoolType(schema.SchoolType{ID: "st-pri", Name: "Primary"})
	store.AddLevel(schema.Level{ID: "lvl-js", Name: "Junior Secondary", SchoolTypeID: "st-sec"})
	store.AddLevel(schema.Level{ID: "lvl-ss", Name: "Senior Secondary", SchoolTypeID: "st-sec"})
	store.AddLevel(schema.Level{ID: "lvl-pr", Name: "Lower Primary", SchoolTypeID: "st-pri"})
	store.AddGradeLevel(schema.GradeLevel{ID: "g7", Name: "Grade 7", LevelID: "lvl-js"})
	store.AddGradeLevel(schema.GradeLevel{ID: "g8", Name: "Grade 8", LevelID: "lvl-js"})
	store.AddGradeLevel(schema.GradeLevel{ID: "g12", Name: "Grade 12", LevelID: "lvl-ss"})
	store.AddSubject(schema.Subject{ID: "sub-math", Name: "Mathematics", LevelID: "lvl-js"})
	store.AddSubject(schema.Subject{ID: "sub-phy", Name: "Physics", LevelID: "lvl-ss"})

	kvStore := kvmem.New()
	clk := clock.NewManual(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	svc := New(Config{Repo: store, KV: kvStore, Clock: clk})
	return &testEnv{svc: svc, repo: store, kv: kvStore, clk: clk}
}

func testScope() schema.Scope {
	return schema.Scope{TenantID: "t1", SubjectID: "sub-math", GradeLevelID: "g7", Term: schema.Term1}
}

func failureCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatalf("expected failure, got nil error")
	}
	f, ok := AsFailure(err)
	if !ok {
		t.Fatalf("expected Failure, got %T: %v", err, err)
	}
	return f.Code
}

func TestConfigureSchoolCreatesConfiguration(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary", "Senior Secondary"},
		Streams:    []StreamInput{{GradeLevelID: "g7", Name: "Blue"}},
	})
	if err != nil {
		t.Fatalf("ConfigureSchool: %v", err)
	}
	if !view.Configured {
		t.Fatalf("expected configured view")
	}
	if view.SchoolType.ID != "st-sec" {
		t.Fatalf("school type = %q, want st-sec", view.SchoolType.ID)
	}
	if got := len(view.Children.Levels); got != 2 {
		t.Fatalf("config levels = %d, want 2", got)
	}
	if got := len(view.Children.GradeLevels); got != 3 {
		t.Fatalf("config grade levels = %d, want 3", got)
	}
	if got := len(view.Children.Subjects); got != 2 {
		t.Fatalf("config subjects = %d, want 2", got)
	}
	if got := len(view.Children.Streams); got != 1 {
		t.Fatalf("config streams = %d, want 1", got)
	}

	fetched, err := env.svc.GetSchoolConfig(ctx, "t1")
	if err != nil {
		t.Fatalf("GetSchoolConfig: %v", err)
	}
	if fetched.Config.ID != view.Config.ID {
		t.Fatalf("fetched config %q, want %q", fetched.Config.ID, view.Config.ID)
	}
	if _, found, err := env.kv.Get(ctx, keys.SchoolConfigCompleteTenant("t1")); err != nil || !found {
		t.Fatalf("expected cached configuration view, found=%v err=%v", found, err)
	}
}

func TestConfigureSchoolReplaceKeepsRoot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary", "Senior Secondary"},
	})
	if err != nil {
		t.Fatalf("initial ConfigureSchool: %v", err)
	}
	// Warm the cache, then reconfigure: the root row survives and the
	// derived cache entries do not.
	if _, err := env.svc.GetSchoolConfig(ctx, "t1"); err != nil {
		t.Fatalf("GetSchoolConfig: %v", err)
	}

	env.clk.Advance(time.Hour)
	second, err := env.svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary"},
	})
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if second.Config.ID != first.Config.ID {
		t.Fatalf("reconfigure changed root id: %q -> %q", first.Config.ID, second.Config.ID)
	}
	if !second.Config.UpdatedAt.After(first.Config.UpdatedAt) {
		t.Fatalf("UpdatedAt not advanced: %v", second.Config.UpdatedAt)
	}
	if got := len(second.Children.Levels); got != 1 {
		t.Fatalf("config levels after replace = %d, want 1", got)
	}
	if got := len(second.Children.GradeLevels); got != 2 {
		t.Fatalf("config grade levels after replace = %d, want 2", got)
	}
	if _, found, _ := env.kv.Get(ctx, keys.SchoolConfigCompleteTenant("t1")); found {
		t.Fatalf("stale configuration view survived reconfigure")
	}

	fetched, err := env.svc.GetSchoolConfig(ctx, "t1")
	if err != nil {
		t.Fatalf("GetSchoolConfig after replace: %v", err)
	}
	if got := len(fetched.Children.Subjects); got != 1 {
		t.Fatalf("subjects after replace = %d, want 1", got)
	}
}

func TestConfigureSchoolValidationMutatesNothing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary", "No Such Level"},
	})
	if code := failureCode(t, err); code != CodeValidation {
		t.Fatalf("unknown level code = %q, want %q", code, CodeValidation)
	}

	_, err = env.svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary", "Lower Primary"},
	})
	if code := failureCode(t, err); code != CodeValidation {
		t.Fatalf("mixed school types code = %q, want %q", code, CodeValidation)
	}

	if _, found, err := env.repo.SchoolConfigs().FindActiveByTenant(ctx, "t1"); err != nil || found {
		t.Fatalf("validation failure left a configuration behind, found=%v err=%v", found, err)
	}
	// The lock was held and released; a follow-up valid configure succeeds.
	if _, err := env.svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary"},
	}); err != nil {
		t.Fatalf("configure after validation failure: %v", err)
	}
}

func TestConfigureSchoolUnknownTenant(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.svc.ConfigureSchool(context.Background(), ConfigureSchoolCommand{
		TenantID:   "nope",
		LevelNames: []string{"Junior Secondary"},
	})
	if code := failureCode(t, err); code != CodeNotFound {
		t.Fatalf("code = %q, want %q", code, CodeNotFound)
	}
}

func TestConfigureSchoolContention(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.kv.SetNX(ctx, keys.SchoolConfigLock("t1"), []byte("other-holder"), time.Minute)
	if err != nil || !created {
		t.Fatalf("seeding foreign lock: created=%v err=%v", created, err)
	}
	_, err = env.svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary"},
	})
	f, ok := AsFailure(err)
	if !ok || f.Code != CodeLockContention {
		t.Fatalf("expected lock_contention, got %v", err)
	}
	if f.RetryAfter < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", f.RetryAfter)
	}
}

func TestCreateCAOrdinalsMonotonic(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	scope := testScope()

	for i, want := range []string{"CA 1", "CA 2", "CA 3"} {
		res, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA})
		if err != nil {
			t.Fatalf("create CA %d: %v", i+1, err)
		}
		if res.Assessment.Title != want {
			t.Fatalf("title = %q, want %q", res.Assessment.Title, want)
		}
		if !res.Created {
			t.Fatalf("CA create reported Created=false")
		}
	}

	// Counter loss (expiry, store wipe) must not reissue used ordinals:
	// reconciliation against the persisted maximum resumes at 4.
	counterKey := keys.CACount(scope.TenantID, scope.SubjectID, scope.GradeLevelID, string(scope.Term))
	if err := env.kv.Delete(ctx, counterKey); err != nil {
		t.Fatalf("deleting counter: %v", err)
	}
	res, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA})
	if err != nil {
		t.Fatalf("create after counter loss: %v", err)
	}
	if res.Assessment.Title != "CA 4" {
		t.Fatalf("title after counter loss = %q, want CA 4", res.Assessment.Title)
	}
}

func TestCreateCAConcurrentDistinctOrdinals(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	scope := testScope()
	const callers = 16

	titles := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := env.svc.CreateAssessment(context.Background(), CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA})
				if err != nil {
					if f, ok := AsFailure(err); ok && f.Code == CodeLockContention {
						time.Sleep(time.Millisecond)
						continue
					}
					t.Errorf("create CA: %v", err)
					return
				}
				titles <- res.Assessment.Title
				return
			}
		}()
	}
	wg.Wait()
	close(titles)

	seen := make(map[string]struct{}, callers)
	for title := range titles {
		if _, dup := seen[title]; dup {
			t.Fatalf("duplicate CA title %q", title)
		}
		seen[title] = struct{}{}
	}
	if len(seen) != callers {
		t.Fatalf("distinct titles = %d, want %d", len(seen), callers)
	}
}

func TestCreateExamSingleton(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	scope := testScope()

	first, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentExam})
	if err != nil {
		t.Fatalf("first exam create: %v", err)
	}
	if !first.Created {
		t.Fatalf("first exam create reported Created=false")
	}
	if first.Assessment.Title != DefaultExamTitle {
		t.Fatalf("exam title = %q, want %q", first.Assessment.Title, DefaultExamTitle)
	}

	second, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentExam, Title: "Mock"})
	if err != nil {
		t.Fatalf("second exam create: %v", err)
	}
	if second.Created {
		t.Fatalf("second exam create reported Created=true")
	}
	if second.Assessment.ID != first.Assessment.ID {
		t.Fatalf("second create returned %q, want existing %q", second.Assessment.ID, first.Assessment.ID)
	}
}

func TestCreateExamRaceProducesOneExam(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	scope := testScope()
	const racers = 8

	ids := make(chan string, racers)
	var createdCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := env.svc.CreateAssessment(context.Background(), CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentExam})
				if err != nil {
					if f, ok := AsFailure(err); ok && f.Code == CodeLockContention {
						time.Sleep(time.Millisecond)
						continue
					}
					t.Errorf("exam create: %v", err)
					return
				}
				if res.Created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
				ids <- res.Assessment.ID
				return
			}
		}()
	}
	wg.Wait()
	close(ids)

	var winner string
	for id := range ids {
		if winner == "" {
			winner = id
		}
		if id != winner {
			t.Fatalf("racers observed different exams: %q and %q", winner, id)
		}
	}
	if createdCount != 1 {
		t.Fatalf("created count = %d, want 1", createdCount)
	}
}

func TestListAssessmentsOrderedAndCached(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	scope := testScope()

	if _, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA}); err != nil {
		t.Fatalf("create CA: %v", err)
	}
	env.clk.Advance(time.Minute)
	if _, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentExam}); err != nil {
		t.Fatalf("create exam: %v", err)
	}

	listed, err := env.svc.ListAssessments(ctx, scope)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d assessments, want 2", len(listed))
	}
	if listed[0].Title != "CA 1" || listed[1].Type != schema.AssessmentExam {
		t.Fatalf("unexpected order: %q then %q", listed[0].Title, listed[1].Title)
	}

	// The first list populated the scope cache, so listing again never
	// touches the persisted store: rows added behind the service's back
	// stay invisible until invalidation.
	rogue := schema.Assessment{
		ID: "rogue", Type: schema.AssessmentCA, Title: "CA 99",
		TenantID: scope.TenantID, SubjectID: scope.SubjectID,
		GradeLevelID: scope.GradeLevelID, Term: scope.Term,
		Status: schema.AssessmentActive, CreatedAt: env.clk.Now(),
	}
	if err := env.repo.Assessments().Create(ctx, rogue); err != nil {
		t.Fatalf("seeding rogue row: %v", err)
	}
	listed, err = env.svc.ListAssessments(ctx, scope)
	if err != nil {
		t.Fatalf("ListAssessments (cached): %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("cached list = %d rows, want 2", len(listed))
	}
}

func TestCreateAssessmentDropsStaleScopeList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	scope := testScope()

	if _, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA}); err != nil {
		t.Fatalf("create CA 1: %v", err)
	}

	// A writer on another process that read the scope map before CA 1
	// landed can write back a map missing it. Creation must not fold into
	// whatever map happens to be cached: it drops the key so the next list
	// rebuilds from the persisted store.
	scopeKey := keys.AssessmentScope(scope.TenantID, scope.SubjectID, scope.GradeLevelID, string(scope.Term))
	if err := env.kv.Set(ctx, scopeKey, []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("seeding stale scope map: %v", err)
	}
	env.clk.Advance(time.Minute)
	if _, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA}); err != nil {
		t.Fatalf("create CA 2: %v", err)
	}
	if _, found, _ := env.kv.Get(ctx, scopeKey); found {
		t.Fatalf("stale scope map survived the create")
	}

	listed, err := env.svc.ListAssessments(ctx, scope)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d assessments, want 2", len(listed))
	}
	if listed[0].Title != "CA 1" || listed[1].Title != "CA 2" {
		t.Fatalf("unexpected titles: %q then %q", listed[0].Title, listed[1].Title)
	}
}

func TestCreateAssessmentValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: testScope(), Type: "QUIZ"})
	if code := failureCode(t, err); code != CodeValidation {
		t.Fatalf("bad type code = %q, want %q", code, CodeValidation)
	}

	scope := testScope()
	scope.Term = "TERM_9"
	_, err = env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA})
	if code := failureCode(t, err); code != CodeValidation {
		t.Fatalf("bad term code = %q, want %q", code, CodeValidation)
	}

	scope = testScope()
	scope.TenantID = "ghost"
	_, err = env.svc.CreateAssessment(ctx, CreateAssessmentCommand{Scope: scope, Type: schema.AssessmentCA})
	if code := failureCode(t, err); code != CodeNotFound {
		t.Fatalf("unknown tenant code = %q, want %q", code, CodeNotFound)
	}
}

type brokenLockKV struct {
	kv.Store
}

func (b brokenLockKV) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("store unreachable")
}

func TestCreateCAStoreDownIsInfrastructure(t *testing.T) {
	t.Parallel()
	store := repomem.New()
	store.AddTenant(schema.Tenant{ID: "t1", Active: true})
	svc := New(Config{Repo: store, KV: brokenLockKV{Store: kvmem.New()}})

	_, err := svc.CreateAssessment(context.Background(), CreateAssessmentCommand{Scope: testScope(), Type: schema.AssessmentCA})
	if code := failureCode(t, err); code != CodeInfrastructure {
		t.Fatalf("code = %q, want %q", code, CodeInfrastructure)
	}
}

// ctxStrictKV rejects deletes on a done context, the way a remote backend
// would. The in-memory store ignores the context entirely.
type ctxStrictKV struct {
	kv.Store
}

func (s ctxStrictKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Delete(ctx, key)
}

func (s ctxStrictKV) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Store.DeletePrefix(ctx, prefix)
}

type hookedTxRepo struct {
	repo.Store
	afterTx func()
}

func (r *hookedTxRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := r.Store.WithinTx(ctx, fn)
	if r.afterTx != nil {
		r.afterTx()
	}
	return err
}

func TestConfigureSchoolInvalidatesAfterCallerCancels(t *testing.T) {
	t.Parallel()
	store := repomem.New()
	store.AddTenant(schema.Tenant{ID: "t1", Name: "Hillcrest", Active: true})
	store.AddSchoolType(schema.SchoolType{ID: "st-sec", Name: "Secondary"})
	store.AddLevel(schema.Level{ID: "lvl-js", Name: "Junior Secondary", SchoolTypeID: "st-sec"})
	store.AddLevel(schema.Level{ID: "lvl-ss", Name: "Senior Secondary", SchoolTypeID: "st-sec"})
	txRepo := &hookedTxRepo{Store: store}
	kvStore := ctxStrictKV{Store: kvmem.New()}
	svc := New(Config{Repo: txRepo, KV: kvStore})

	if _, err := svc.ConfigureSchool(context.Background(), ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary", "Senior Secondary"},
	}); err != nil {
		t.Fatalf("initial ConfigureSchool: %v", err)
	}
	if _, err := svc.GetSchoolConfig(context.Background(), "t1"); err != nil {
		t.Fatalf("GetSchoolConfig: %v", err)
	}
	if _, found, _ := kvStore.Get(context.Background(), keys.SchoolConfigCompleteTenant("t1")); !found {
		t.Fatalf("expected warm configuration view before reconfigure")
	}

	// The caller gives up the moment the transaction commits. The commit
	// happened, so the cached view still has to go.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	txRepo.afterTx = cancel
	if _, err := svc.ConfigureSchool(ctx, ConfigureSchoolCommand{
		TenantID:   "t1",
		LevelNames: []string{"Junior Secondary"},
	}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("expected caller context to be cancelled after commit")
	}
	if _, found, _ := kvStore.Get(context.Background(), keys.SchoolConfigCompleteTenant("t1")); found {
		t.Fatalf("stale configuration view survived a cancelled caller")
	}

	fetched, err := svc.GetSchoolConfig(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetSchoolConfig after reconfigure: %v", err)
	}
	if got := len(fetched.Children.Levels); got != 1 {
		t.Fatalf("levels after reconfigure = %d, want 1", got)
	}
}
