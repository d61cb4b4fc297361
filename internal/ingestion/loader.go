package ingestion

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/xtgz/chai/internal/config"
)

// DefaultBatchSize is the number of records accumulated before each
// resolve-build-write cycle.
const DefaultBatchSize = 10000

var (
	// ErrRunCancelled is returned when the run context is cancelled. The batch
	// in flight at the time has been committed.
	ErrRunCancelled = errors.New("load run cancelled")

	// ErrInvalidBatchSize indicates a non-positive batch size.
	ErrInvalidBatchSize = errors.New("batch size must be positive")

	// ErrSourceRead wraps a failure while reading records from a source.
	ErrSourceRead = errors.New("source read failed")
)

// Options tune a Loader. The zero value is usable.
type Options struct {
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int
	// TestMode skips the user-version and dependency stages.
	TestMode bool
	// MaxBatchesPerSecond throttles batch writes; 0 disables throttling.
	MaxBatchesPerSecond float64

	Logger   *slog.Logger
	Recorder Recorder
	// Notifier is optional. Its failures are logged and never fail a run.
	Notifier Notifier
}

// Loader runs the transform-resolve-load pipeline for one package manager.
//
// A Loader may be run many times, but never concurrently with itself: each
// Run owns a fresh set of identifier caches that is discarded when it returns.
type Loader struct {
	store          Store
	packageManager string
	newSource      SourceFactory
	batchSize      int
	testMode       bool
	limiter        *rate.Limiter
	logger         *slog.Logger
	recorder       Recorder
	notifier       Notifier
}

// NewLoader creates a Loader for packageManager. newSource builds the
// per-source adapter once the lookup tables have been bootstrapped.
func NewLoader(store Store, packageManager string, newSource SourceFactory, opts Options) (*Loader, error) {
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.BatchSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, opts.BatchSize)
	}

	if opts.Logger == nil {
		opts.Logger = config.NewLogger()
	}

	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}

	l := &Loader{
		store:          store,
		packageManager: packageManager,
		newSource:      newSource,
		batchSize:      opts.BatchSize,
		testMode:       opts.TestMode,
		logger:         opts.Logger.With(slog.String("package_manager", packageManager)),
		recorder:       opts.Recorder,
		notifier:       opts.Notifier,
	}

	if opts.MaxBatchesPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.MaxBatchesPerSecond), 1)
	}

	return l, nil
}

// PackageManager returns the name of the package manager this loader loads.
func (l *Loader) PackageManager() string {
	return l.packageManager
}

// run holds the state of one pipeline execution.
type run struct {
	*Loader

	env    Environment
	source Source
	caches *Caches
	stage  Stage
	report *RunReport
}

// Run executes one full pass: bootstrap, every stage of the plan in order,
// then the load history marker. Any fatal error aborts the remaining stages
// and leaves no load history row. The returned report is never nil.
func (l *Loader) Run(ctx context.Context) (*RunReport, error) {
	r := &run{
		Loader: l,
		caches: NewCaches(),
		stage:  StageStart,
		report: &RunReport{
			PackageManager: l.packageManager,
			TestMode:       l.testMode,
			StartedAt:      time.Now().UTC(),
		},
	}

	l.logger.Info("load started", slog.Bool("test_mode", l.testMode), slog.Int("batch_size", l.batchSize))

	err := r.execute(ctx)
	r.report.FinishedAt = time.Now().UTC()

	switch {
	case err == nil:
		l.recorder.RunFinished(l.packageManager, OutcomeSuccess, r.report.Duration())
	case errors.Is(err, ErrRunCancelled):
		l.recorder.RunFinished(l.packageManager, OutcomeCancelled, r.report.Duration())
		l.logger.Warn("load cancelled",
			slog.String("stage", string(r.stage)),
			slog.String("error", err.Error()))

		return r.report, err
	default:
		l.recorder.RunFinished(l.packageManager, OutcomeFailed, r.report.Duration())
		l.logger.Error("load failed",
			slog.String("stage", string(r.stage)),
			slog.String("error", err.Error()))

		return r.report, err
	}

	totals := r.report.Totals()
	l.logger.Info("load completed",
		slog.String("load_history_id", r.report.LoadHistoryID.String()),
		slog.Int64("written", totals.Written),
		slog.Int64("conflicted", totals.Conflicted),
		slog.Int64("dropped", totals.Dropped),
		slog.Duration("duration", r.report.Duration()))

	if l.notifier != nil {
		if nerr := l.notifier.LoadCompleted(context.WithoutCancel(ctx), r.report); nerr != nil {
			l.logger.Warn("load notification failed", slog.String("error", nerr.Error()))
		}
	}

	return r.report, nil
}

func (r *run) execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRunCancelled, err)
	}

	env, err := r.bootstrap(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	r.env = env
	r.report.PackageManagerID = env.PackageManagerID

	r.source, err = r.newSource(env)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	for _, next := range Plan(r.testMode)[1:] {
		if err := ValidateStageTransition(r.stage, next, r.testMode); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil && next != StageDone {
			return fmt.Errorf("%w: before %s: %w", ErrRunCancelled, next, err)
		}

		r.stage = next

		if err := r.runStage(ctx, next); err != nil {
			return fmt.Errorf("%s: %w", next, err)
		}
	}

	return nil
}

func (r *run) runStage(ctx context.Context, s Stage) error {
	switch s {
	case StageLoadPackages:
		return loadEntity(ctx, r, s, r.source.Packages, nil,
			func(raw RawPackage) (PackageRow, []Diagnostic, bool) { return BuildPackage(r.env, raw) },
			r.store.InsertPackages)
	case StageLoadURLs:
		return loadEntity(ctx, r, s, r.source.URLs, nil, BuildURL, r.store.InsertURLs)
	case StageLoadPackageURLs:
		return loadEntity(ctx, r, s, r.source.PackageURLs, r.warmPackageURLs,
			func(raw RawPackageURL) (PackageURLRow, []Diagnostic, bool) { return BuildPackageURL(r.caches, raw) },
			r.store.InsertPackageURLs)
	case StageLoadVersions:
		return loadEntity(ctx, r, s, r.source.Versions, r.warmVersions,
			func(raw RawVersion) (VersionRow, []Diagnostic, bool) { return BuildVersion(r.caches, raw) },
			r.store.InsertVersions)
	case StageLoadUsers:
		return loadEntity(ctx, r, s, r.source.Users, nil, BuildUser, r.store.InsertUsers)
	case StageLoadUserPackages:
		return loadEntity(ctx, r, s, r.source.UserPackages, r.warmUserPackages,
			func(raw RawUserPackage) (UserPackageRow, []Diagnostic, bool) { return BuildUserPackage(r.caches, raw) },
			r.store.InsertUserPackages)
	case StageLoadUserVersions:
		return loadEntity(ctx, r, s, r.source.UserVersions, r.warmUserVersions,
			func(raw RawUserVersion) (UserVersionRow, []Diagnostic, bool) { return BuildUserVersion(r.caches, raw) },
			r.store.InsertUserVersions)
	case StageLoadDependencies:
		return loadEntity(ctx, r, s, r.source.Dependencies, r.warmDependencies,
			func(raw RawDependency) (DependencyRow, []Diagnostic, bool) { return BuildDependency(r.caches, raw) },
			r.store.InsertDependencies)
	case StageRecordLoadHistory:
		return r.recordLoadHistory(ctx)
	case StageDone:
		return nil
	case StageStart:
		return fmt.Errorf("%w: cannot re-enter %s", ErrInvalidStageTransition, s)
	default:
		return fmt.Errorf("%w: unknown stage %s", ErrInvalidStageTransition, s)
	}
}

// bootstrap ensures the lookup rows every stage refers to exist and
// resolves their ids.
func (r *run) bootstrap(ctx context.Context) (Environment, error) {
	env := Environment{PackageManager: r.packageManager}

	registryID, err := r.store.EnsureSource(ctx, r.packageManager)
	if err != nil {
		return env, err
	}

	githubID := registryID
	if r.packageManager != SourceGitHub {
		if githubID, err = r.store.EnsureSource(ctx, SourceGitHub); err != nil {
			return env, err
		}
	}

	env.UserSources = UserSources{Registry: registryID, GitHub: githubID}

	if env.PackageManagerID, err = r.store.EnsurePackageManager(ctx, registryID); err != nil {
		return env, err
	}

	urlTypes := []struct {
		name string
		dst  *uuid.UUID
	}{
		{URLTypeHomepage, &env.URLTypes.Homepage},
		{URLTypeRepository, &env.URLTypes.Repository},
		{URLTypeDocumentation, &env.URLTypes.Documentation},
		{URLTypeSource, &env.URLTypes.Source},
	}

	for _, t := range urlTypes {
		if *t.dst, err = r.store.EnsureURLType(ctx, t.name); err != nil {
			return env, err
		}
	}

	depTypes := []struct {
		name string
		dst  *uuid.UUID
	}{
		{DependencyTypeBuild, &env.DependencyTypes.Build},
		{DependencyTypeDevelopment, &env.DependencyTypes.Development},
		{DependencyTypeRuntime, &env.DependencyTypes.Runtime},
		{DependencyTypeTest, &env.DependencyTypes.Test},
		{DependencyTypeOptional, &env.DependencyTypes.Optional},
		{DependencyTypeRecommended, &env.DependencyTypes.Recommended},
	}

	for _, t := range depTypes {
		if *t.dst, err = r.store.EnsureDependencyType(ctx, t.name); err != nil {
			return env, err
		}
	}

	r.logger.Debug("lookup tables ready", slog.String("package_manager_id", env.PackageManagerID.String()))

	return env, nil
}

func (r *run) recordLoadHistory(ctx context.Context) error {
	id, err := r.store.InsertLoadHistory(context.WithoutCancel(ctx), r.env.PackageManagerID)
	if err != nil {
		return err
	}

	r.report.LoadHistoryID = id

	return nil
}

// loadEntity streams one entity kind through fixed-size batches. For every
// batch it warms the caches, builds rows, and writes them in one atomic
// conflict-free insert. The context is checked before each batch; once a
// batch has started its store calls are shielded from cancellation so it
// commits in full.
func loadEntity[R, W any](
	ctx context.Context,
	r *run,
	s Stage,
	open func() (iter.Seq2[R, error], error),
	warm func(ctx context.Context, batch []R, stats *ResolverStats) error,
	build func(R) (W, []Diagnostic, bool),
	write func(ctx context.Context, rows []W) (int64, error),
) error {
	started := time.Now()
	entity := s.Entity()
	sr := StageReport{Stage: s, Entity: entity}

	defer func() {
		sr.Duration = time.Since(started)
		r.report.Stages = append(r.report.Stages, sr)
	}()

	records, err := open()
	if err != nil {
		return err
	}

	flush := func(batch []R) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: before batch %d: %w", ErrRunCancelled, sr.Batches+1, err)
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: throttled before batch %d: %w", ErrRunCancelled, sr.Batches+1, err)
			}
		}

		bctx := context.WithoutCancel(ctx)

		if warm != nil {
			if err := warm(bctx, batch, &sr.Resolver); err != nil {
				return err
			}
		}

		rows := make([]W, 0, len(batch))

		for _, rec := range batch {
			row, diags, ok := build(rec)
			for _, d := range diags {
				r.observe(&sr, d)
			}

			if ok {
				rows = append(rows, row)
			}
		}

		var written int64

		if len(rows) > 0 {
			if written, err = write(bctx, rows); err != nil {
				return err
			}
		}

		sr.Batches++
		sr.Written += written
		sr.Conflicted += int64(len(rows)) - written

		r.recorder.BatchCommitted(r.packageManager, entity, len(batch), int(written), len(rows)-int(written))
		r.logger.Debug("batch committed",
			slog.String("stage", string(s)),
			slog.Int("batch", sr.Batches),
			slog.Int("records", len(batch)),
			slog.Int("candidates", len(rows)),
			slog.Int64("written", written))

		return nil
	}

	batch := make([]R, 0, r.batchSize)

	for rec, rerr := range records {
		if rerr != nil {
			return fmt.Errorf("%w: %w", ErrSourceRead, rerr)
		}

		sr.Read++

		batch = append(batch, rec)
		if len(batch) < r.batchSize {
			continue
		}

		if err := flush(batch); err != nil {
			return err
		}

		batch = batch[:0]
	}

	if len(batch) > 0 {
		if err := flush(batch); err != nil {
			return err
		}
	}

	r.logger.Info(fmt.Sprintf("%s loaded", pluralEntity(entity)),
		slog.String("stage", string(s)),
		slog.Int64("read", sr.Read),
		slog.Int64("written", sr.Written),
		slog.Int64("conflicted", sr.Conflicted),
		slog.Int64("dropped", sr.Dropped),
		slog.Int("batches", sr.Batches),
		slog.Int("resolver_rounds", sr.Resolver.Rounds))

	return nil
}

func (r *run) observe(sr *StageReport, d Diagnostic) {
	sr.countDiagnostic(d)
	r.recorder.RecordDropped(r.packageManager, d)

	attrs := []any{
		slog.String("entity", string(d.Entity)),
		slog.String("reason", string(d.Reason)),
		slog.String("key", d.Key),
		slog.String("field", d.Field),
	}

	if d.Value != "" {
		attrs = append(attrs, slog.String("value", d.Value))
	}

	if d.Reason.Drops() {
		r.logger.Warn("record dropped", attrs...)
	} else {
		r.logger.Warn("field discarded", attrs...)
	}
}

func pluralEntity(e EntityKind) string {
	switch e {
	case EntityDependency:
		return "dependencies"
	default:
		return string(e) + "s"
	}
}

// warmKeys runs one resolver round and records it.
func warmKeys[R any, K comparable](
	ctx context.Context,
	r *run,
	entity EntityKind,
	stats *ResolverStats,
	cache *IDCache[K],
	batch []R,
	keyOf func(R) (K, bool),
	fetch KeyFetcher[K],
) error {
	res, err := Warm(ctx, cache, batch, keyOf, fetch)
	if err != nil {
		return err
	}

	stats.Add(res)

	if res.Requested > 0 {
		r.recorder.ResolverRound(r.packageManager, entity, res.Requested, res.Unresolved())
	}

	if res.Unresolved() > 0 {
		r.logger.Debug("unresolved references",
			slog.String("entity", string(entity)),
			slog.Int("requested", res.Requested),
			slog.Int("unresolved", res.Unresolved()))
	}

	return nil
}

func (r *run) fetchPackages(ctx context.Context, keys []string) (map[string]uuid.UUID, error) {
	return r.store.PackageIDs(ctx, r.env.PackageManagerID, keys)
}

func (r *run) fetchVersions(ctx context.Context, keys []string) (map[string]uuid.UUID, error) {
	return r.store.VersionIDs(ctx, r.env.PackageManagerID, keys)
}

func (r *run) fetchUsers(ctx context.Context, keys []string) (map[string]uuid.UUID, error) {
	return r.store.UserIDs(ctx, r.source.UserSourceID(), keys)
}

func (r *run) warmPackageURLs(ctx context.Context, batch []RawPackageURL, stats *ResolverStats) error {
	err := warmKeys(ctx, r, EntityPackage, stats, r.caches.Packages, batch,
		nonEmpty(func(p RawPackageURL) string { return p.PackageImportID }), r.fetchPackages)
	if err != nil {
		return err
	}

	return warmKeys(ctx, r, EntityURL, stats, r.caches.URLs, batch,
		func(p RawPackageURL) (URLKey, bool) {
			return URLKey{TypeID: p.URLTypeID, URL: p.URL}, p.URL != ""
		}, r.store.URLIDs)
}

func (r *run) warmVersions(ctx context.Context, batch []RawVersion, stats *ResolverStats) error {
	err := warmKeys(ctx, r, EntityPackage, stats, r.caches.Packages, batch,
		nonEmpty(func(v RawVersion) string { return v.PackageImportID }), r.fetchPackages)
	if err != nil {
		return err
	}

	return r.ensureLicenses(ctx, batch, stats)
}

// ensureLicenses creates the licenses a batch references that the store
// has never seen, then resolves them.
func (r *run) ensureLicenses(ctx context.Context, batch []RawVersion, stats *ResolverStats) error {
	licenseOf := nonEmpty(func(v RawVersion) string { return v.License })

	err := warmKeys(ctx, r, EntityLicense, stats, r.caches.Licenses, batch, licenseOf, r.store.LicenseIDs)
	if err != nil {
		return err
	}

	names := make([]string, 0)

	for _, v := range batch {
		if name, ok := licenseOf(v); ok {
			names = append(names, name)
		}
	}

	missing := r.caches.Licenses.Missing(names)
	if len(missing) == 0 {
		return nil
	}

	if _, err := r.store.InsertLicenses(ctx, missing); err != nil {
		return err
	}

	found, err := r.store.LicenseIDs(ctx, missing)
	if err != nil {
		return err
	}

	r.caches.Licenses.Merge(found)
	r.logger.Debug("licenses created", slog.Int("count", len(found)))

	return nil
}

func (r *run) warmUserPackages(ctx context.Context, batch []RawUserPackage, stats *ResolverStats) error {
	err := warmKeys(ctx, r, EntityUser, stats, r.caches.Users, batch,
		nonEmpty(func(u RawUserPackage) string { return u.UserImportID }), r.fetchUsers)
	if err != nil {
		return err
	}

	return warmKeys(ctx, r, EntityPackage, stats, r.caches.Packages, batch,
		nonEmpty(func(u RawUserPackage) string { return u.PackageImportID }), r.fetchPackages)
}

func (r *run) warmUserVersions(ctx context.Context, batch []RawUserVersion, stats *ResolverStats) error {
	err := warmKeys(ctx, r, EntityUser, stats, r.caches.Users, batch,
		nonEmpty(func(u RawUserVersion) string { return u.UserImportID }), r.fetchUsers)
	if err != nil {
		return err
	}

	return warmKeys(ctx, r, EntityVersion, stats, r.caches.Versions, batch,
		nonEmpty(func(u RawUserVersion) string { return u.VersionImportID }), r.fetchVersions)
}

func (r *run) warmDependencies(ctx context.Context, batch []RawDependency, stats *ResolverStats) error {
	err := warmKeys(ctx, r, EntityVersion, stats, r.caches.Versions, batch,
		nonEmpty(func(d RawDependency) string { return d.VersionImportID }), r.fetchVersions)
	if err != nil {
		return err
	}

	return warmKeys(ctx, r, EntityPackage, stats, r.caches.Packages, batch,
		nonEmpty(func(d RawDependency) string { return d.DependencyImportID }), r.fetchPackages)
}
