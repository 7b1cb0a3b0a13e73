package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"pkt.systems/schoold/internal/cache"
	"pkt.systems/schoold/internal/keys"
	"pkt.systems/schoold/internal/repo"
	"pkt.systems/schoold/internal/schema"
)

// StreamInput is an optional class stream requested for one of the configured
// grade levels.
type StreamInput struct {
	GradeLevelID string `json:"grade_level_id"`
	Name         string `json:"name"`
}

// ConfigureSchoolCommand requests a full (re)configuration of one tenant's
// school. Level names select reference levels; grade levels and subjects are
// derived from the selection.
type ConfigureSchoolCommand struct {
	TenantID   string        `json:"tenant_id"`
	LevelNames []string      `json:"level_names"`
	Streams    []StreamInput `json:"streams,omitempty"`
}

// SchoolConfigView is the assembled configuration handed to callers and kept
// in the cache. Configured is false for tenants that exist but have not been
// configured yet; such views are cached briefly so repeated lookups do not
// hammer the persisted store.
type SchoolConfigView struct {
	Configured bool                `json:"configured"`
	Config     schema.SchoolConfig `json:"config"`
	SchoolType schema.SchoolType   `json:"school_type"`
	Children   repo.Children       `json:"children"`
}

// ConfigureSchool creates or replaces the tenant's configuration. The whole
// write runs under the tenant's configuration lock and inside one
// transaction; reconfiguration keeps the existing root row and destructively
// replaces its children. Cache entries derived from the configuration are
// invalidated after the lock is released, whether the write succeeded or not.
func (s *Service) ConfigureSchool(ctx context.Context, cmd ConfigureSchoolCommand) (view SchoolConfigView, err error) {
	started := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "configure_school", s.clock.Now().Sub(started), err) }()

	if err := validateConfigureCommand(cmd); err != nil {
		return SchoolConfigView{}, err
	}

	lockKey := keys.SchoolConfigLock(cmd.TenantID)
	var configID string
	locked := false
	defer func() {
		// Runs after WithLock has released the lease. Invalidation is
		// unconditional once the lock was held: even a rolled-back
		// attempt may leave cached views we can no longer trust.
		if !locked {
			return
		}
		// A caller that cancelled after the commit must not leave the
		// stale view behind, so the deletes run free of the request's
		// cancellation, same as lease release in dlock.WithLock.
		ctx := context.WithoutCancel(ctx)
		invalidated := []string{
			keys.SchoolConfigCompleteTenant(cmd.TenantID),
			keys.Tenant(cmd.TenantID),
			keys.TenantExists(cmd.TenantID),
		}
		if configID != "" {
			invalidated = append(invalidated, keys.SchoolConfigComplete(configID))
		}
		s.cache.Invalidate(ctx, invalidated...)
		dropped := s.cache.InvalidatePrefix(ctx, keys.AssessmentTenantPrefix(cmd.TenantID))
		s.metrics.recordInvalidations(ctx, int64(len(invalidated)+dropped))
	}()

	lockErr := s.lock.WithLock(ctx, lockKey, s.configLockTTL, func(ctx context.Context) error {
		locked = true
		return s.repo.WithinTx(ctx, func(ctx context.Context) error {
			built, txErr := s.applyConfiguration(ctx, cmd)
			if txErr != nil {
				return txErr
			}
			view = built
			configID = built.Config.ID
			return nil
		})
	})
	s.metrics.recordLock(ctx, "school_config", locked)
	if lockErr != nil {
		if _, ok := AsFailure(lockErr); ok {
			return SchoolConfigView{}, lockErr
		}
		return SchoolConfigView{}, lockFailure(lockErr, "configuration already in progress for tenant "+cmd.TenantID)
	}
	s.opLogger(ctx).Debug("core.configure_school.done",
		"tenant", cmd.TenantID, "config", configID,
		"levels", len(view.Children.Levels), "subjects", len(view.Children.Subjects))
	return view, nil
}

func validateConfigureCommand(cmd ConfigureSchoolCommand) error {
	if cmd.TenantID == "" {
		return failValidation("tenant id is required")
	}
	if len(cmd.LevelNames) == 0 {
		return failValidation("at least one level must be selected")
	}
	seen := make(map[string]struct{}, len(cmd.LevelNames))
	for _, name := range cmd.LevelNames {
		if name == "" {
			return failValidation("level names must not be empty")
		}
		if _, dup := seen[name]; dup {
			return failValidation(fmt.Sprintf("duplicate level %q in selection", name))
		}
		seen[name] = struct{}{}
	}
	for _, stream := range cmd.Streams {
		if stream.GradeLevelID == "" || stream.Name == "" {
			return failValidation("streams require a grade level id and a name")
		}
	}
	return nil
}

// applyConfiguration runs inside the configuration lock and transaction. It
// validates the selection against reference data, creates or reuses the
// active root, and rebuilds the child set.
func (s *Service) applyConfiguration(ctx context.Context, cmd ConfigureSchoolCommand) (SchoolConfigView, error) {
	_, found, err := s.repo.Tenants().Find(ctx, cmd.TenantID)
	if err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	if !found {
		return SchoolConfigView{}, failNotFound("tenant " + cmd.TenantID + " does not exist")
	}

	levels, err := s.repo.Reference().LevelsByName(ctx, cmd.LevelNames)
	if err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	byName := make(map[string]schema.Level, len(levels))
	for _, level := range levels {
		byName[level.Name] = level
	}
	var missing []string
	for _, name := range cmd.LevelNames {
		if _, ok := byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return SchoolConfigView{}, failValidation(fmt.Sprintf("unknown levels: %v", missing))
	}
	schoolTypeID := levels[0].SchoolTypeID
	for _, level := range levels[1:] {
		if level.SchoolTypeID != schoolTypeID {
			return SchoolConfigView{}, failValidation("selected levels span more than one school type")
		}
	}
	schoolType, found, err := s.repo.Reference().SchoolType(ctx, schoolTypeID)
	if err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	if !found {
		return SchoolConfigView{}, failValidation("selected levels reference an unknown school type")
	}

	now := s.clock.Now()
	cfg, found, err := s.repo.SchoolConfigs().FindActiveByTenant(ctx, cmd.TenantID)
	if err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	if found {
		// Reconfiguration keeps the root row so its ID stays stable for
		// anything referencing it, and replaces everything beneath it.
		if err := s.repo.SchoolConfigs().DeleteChildren(ctx, cfg.ID); err != nil {
			return SchoolConfigView{}, failInfrastructure(err)
		}
		cfg.SchoolTypeID = schoolTypeID
		cfg.UpdatedAt = now
		if err := s.repo.SchoolConfigs().Update(ctx, cfg); err != nil {
			return SchoolConfigView{}, failInfrastructure(err)
		}
	} else {
		cfg = schema.SchoolConfig{
			ID:           uuid.NewString(),
			TenantID:     cmd.TenantID,
			SchoolTypeID: schoolTypeID,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repo.SchoolConfigs().Create(ctx, cfg); err != nil {
			if err == repo.ErrDuplicate {
				return SchoolConfigView{}, failConflict("tenant already has an active configuration")
			}
			return SchoolConfigView{}, failInfrastructure(err)
		}
	}

	children, err := s.buildChildren(ctx, cfg.ID, levels, cmd.Streams)
	if err != nil {
		return SchoolConfigView{}, err
	}
	if err := s.repo.SchoolConfigs().AddChildren(ctx, cfg.ID, children); err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	return SchoolConfigView{
		Configured: true,
		Config:     cfg,
		SchoolType: schoolType,
		Children:   children,
	}, nil
}

// buildChildren derives the full child set from the selected levels: every
// grade level and subject belonging to a selected level is offered.
func (s *Service) buildChildren(ctx context.Context, configID string, levels []schema.Level, streams []StreamInput) (repo.Children, error) {
	levelIDs := make([]string, 0, len(levels))
	for _, level := range levels {
		levelIDs = append(levelIDs, level.ID)
	}
	gradeLevels, err := s.repo.Reference().GradeLevelsByLevel(ctx, levelIDs)
	if err != nil {
		return repo.Children{}, failInfrastructure(err)
	}
	subjects, err := s.repo.Reference().SubjectsByLevel(ctx, levelIDs)
	if err != nil {
		return repo.Children{}, failInfrastructure(err)
	}

	children := repo.Children{
		Levels:      make([]schema.ConfigLevel, 0, len(levels)),
		GradeLevels: make([]schema.ConfigGradeLevel, 0, len(gradeLevels)),
		Subjects:    make([]schema.ConfigSubject, 0, len(subjects)),
	}
	for _, level := range levels {
		children.Levels = append(children.Levels, schema.ConfigLevel{
			ID:       uuid.NewString(),
			ConfigID: configID,
			LevelID:  level.ID,
		})
	}
	offered := make(map[string]struct{}, len(gradeLevels))
	for _, grade := range gradeLevels {
		offered[grade.ID] = struct{}{}
		children.GradeLevels = append(children.GradeLevels, schema.ConfigGradeLevel{
			ID:           uuid.NewString(),
			ConfigID:     configID,
			GradeLevelID: grade.ID,
		})
	}
	for _, subject := range subjects {
		children.Subjects = append(children.Subjects, schema.ConfigSubject{
			ID:        uuid.NewString(),
			ConfigID:  configID,
			SubjectID: subject.ID,
		})
	}
	for _, stream := range streams {
		if _, ok := offered[stream.GradeLevelID]; !ok {
			return repo.Children{}, failValidation(fmt.Sprintf("stream %q references grade level %s outside the selected levels", stream.Name, stream.GradeLevelID))
		}
		children.Streams = append(children.Streams, schema.ConfigStream{
			ID:           uuid.NewString(),
			ConfigID:     configID,
			GradeLevelID: stream.GradeLevelID,
			Name:         stream.Name,
		})
	}
	return children, nil
}

// GetSchoolConfig returns the tenant's assembled configuration, cache-aside.
// Configured views live for the long TTL; the "exists but not configured"
// answer is cached briefly so a freshly configured school shows up quickly.
func (s *Service) GetSchoolConfig(ctx context.Context, tenantID string) (view SchoolConfigView, err error) {
	started := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "get_school_config", s.clock.Now().Sub(started), err) }()

	if err := s.requireTenant(ctx, tenantID); err != nil {
		return SchoolConfigView{}, err
	}
	key := keys.SchoolConfigCompleteTenant(tenantID)
	if cached, ok := cache.Get[SchoolConfigView](ctx, s.cache, key); ok {
		s.metrics.recordCache(ctx, key, true)
		if !cached.Configured {
			return SchoolConfigView{}, failNotFound("tenant " + tenantID + " has no active configuration")
		}
		return cached, nil
	}
	s.metrics.recordCache(ctx, key, false)

	cfg, found, err := s.repo.SchoolConfigs().FindActiveByTenant(ctx, tenantID)
	if err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	if !found {
		cache.Set(ctx, s.cache, key, SchoolConfigView{}, s.cacheTTLShort)
		return SchoolConfigView{}, failNotFound("tenant " + tenantID + " has no active configuration")
	}
	children, err := s.repo.SchoolConfigs().Children(ctx, cfg.ID)
	if err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	schoolType, _, err := s.repo.Reference().SchoolType(ctx, cfg.SchoolTypeID)
	if err != nil {
		return SchoolConfigView{}, failInfrastructure(err)
	}
	view = SchoolConfigView{
		Configured: true,
		Config:     cfg,
		SchoolType: schoolType,
		Children:   children,
	}
	cache.Set(ctx, s.cache, key, view, s.cacheTTLLong)
	cache.Set(ctx, s.cache, keys.SchoolConfigComplete(cfg.ID), view, s.cacheTTLLong)
	return view, nil
}
