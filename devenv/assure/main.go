// Command assure smoke-checks a schoold dev environment: it verifies the
// MinIO backend is reachable, boots an in-process schoold server against it,
// drives the coordination flow through the public client, and confirms the
// expected lock and cache objects landed in the bucket before cleaning up.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/schoold"
	"pkt.systems/schoold/api"
	schooldclient "pkt.systems/schoold/client"
	repomem "pkt.systems/schoold/internal/repo/memory"
	"pkt.systems/schoold/internal/schema"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cfg := loadConfig()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "devenv assurance failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("devenv assurance succeeded")
}

type envConfig struct {
	MinioEndpoint string
	MinioAccess   string
	MinioSecret   string
	MinioBucket   string
	MinioPrefix   string
	MinioSecure   bool
}

func loadConfig() envConfig {
	cfg := envConfig{
		MinioEndpoint: "localhost:9000",
		MinioAccess:   "schoolddev",
		MinioSecret:   "schoolddevpass",
		MinioBucket:   "schoold-assure",
		MinioPrefix:   "assure",
		MinioSecure:   false,
	}
	if v := os.Getenv("SCHOOLD_DEVENV_MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("SCHOOLD_DEVENV_MINIO_ACCESS"); v != "" {
		cfg.MinioAccess = v
	}
	if v := os.Getenv("SCHOOLD_DEVENV_MINIO_SECRET"); v != "" {
		cfg.MinioSecret = v
	}
	return cfg
}

func run(ctx context.Context, cfg envConfig) error {
	minioClient, err := newMinioClient(cfg)
	if err != nil {
		return fmt.Errorf("connect to minio: %w", err)
	}
	if err := ensureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
		return fmt.Errorf("ensure minio bucket: %w", err)
	}

	server, baseURL, err := startSchoold(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start schoold server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := exerciseSchoold(ctx, baseURL); err != nil {
		return fmt.Errorf("schoold workflow failed: %w", err)
	}
	if err := verifyPrefixNotEmpty(ctx, minioClient, cfg.MinioBucket, cfg.MinioPrefix); err != nil {
		return fmt.Errorf("verify schoold objects: %w", err)
	}
	if err := cleanupPrefix(ctx, minioClient, cfg.MinioBucket, cfg.MinioPrefix); err != nil {
		return fmt.Errorf("cleanup prefix: %w", err)
	}
	return nil
}

func newMinioClient(cfg envConfig) (*minio.Client, error) {
	endpoint := strings.TrimSpace(cfg.MinioEndpoint)
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccess, cfg.MinioSecret, ""),
		Secure: cfg.MinioSecure,
	}
	return minio.New(endpoint, opts)
}

func ensureBucket(ctx context.Context, mc *minio.Client, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := mc.BucketExists(timeoutCtx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return mc.MakeBucket(timeoutCtx, bucket, minio.MakeBucketOptions{})
}

func startSchoold(ctx context.Context, cfg envConfig) (*schoold.Server, string, error) {
	// The s3 store resolves credentials from the environment chain.
	if err := os.Setenv("AWS_ACCESS_KEY_ID", cfg.MinioAccess); err != nil {
		return nil, "", err
	}
	if err := os.Setenv("AWS_SECRET_ACCESS_KEY", cfg.MinioSecret); err != nil {
		return nil, "", err
	}

	repo := repomem.New()
	repo.AddTenant(schema.Tenant{ID: "assure", Name: "Assurance School", Active: true})
	repo.AddSchoolType(schema.SchoolType{ID: "st-sec", Name: "Secondary"})
	repo.AddLevel(schema.Level{ID: "lvl-js", Name: "Junior Secondary", SchoolTypeID: "st-sec"})
	repo.AddGradeLevel(schema.GradeLevel{ID: "g7", Name: "Grade 7", LevelID: "lvl-js"})
	repo.AddSubject(schema.Subject{ID: "sub-math", Name: "Mathematics", LevelID: "lvl-js"})

	logger := pslog.LoggerFromEnv(context.Background(), pslog.WithEnvOptions(pslog.Options{
		Mode:     pslog.ModeConsole,
		MinLevel: pslog.WarnLevel,
	}))
	serverCfg := schoold.Config{
		Listen:           "127.0.0.1:0",
		Store:            fmt.Sprintf("s3://%s/%s", cfg.MinioBucket, cfg.MinioPrefix),
		S3Endpoint:       cfg.MinioEndpoint,
		S3Insecure:       !cfg.MinioSecure,
		S3ForcePathStyle: true,
		Database:         "mem://",
	}
	server, err := schoold.NewServer(serverCfg,
		schoold.WithLogger(logger),
		schoold.WithRepository(repo),
	)
	if err != nil {
		return nil, "", err
	}
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "schoold serve error: %v\n", err)
		}
	}()
	if err := server.WaitUntilReady(ctx); err != nil {
		return nil, "", err
	}
	return server, "http://" + server.ListenerAddr().String(), nil
}

func exerciseSchoold(ctx context.Context, baseURL string) error {
	cli, err := schooldclient.New(baseURL)
	if err != nil {
		return err
	}
	if err := cli.Health(ctx); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if _, err := cli.ConfigureSchool(ctx, "assure", api.ConfigureSchoolRequest{
		LevelNames: []string{"Junior Secondary"},
	}); err != nil {
		return fmt.Errorf("configure school: %w", err)
	}
	title := ""
	for i := 0; i < 2; i++ {
		res, err := cli.CreateAssessment(ctx, "assure", api.CreateAssessmentRequest{
			Type:         "CA",
			SubjectID:    "sub-math",
			GradeLevelID: "g7",
			Term:         "TERM_1",
		})
		if err != nil {
			return fmt.Errorf("create assessment: %w", err)
		}
		if res.Assessment.Title == title {
			return fmt.Errorf("duplicate CA title %q", title)
		}
		title = res.Assessment.Title
	}
	if _, err := cli.ListAssessments(ctx, "assure", "sub-math", "g7", "TERM_1"); err != nil {
		return fmt.Errorf("list assessments: %w", err)
	}
	if _, err := cli.GetSchoolConfig(ctx, "ghost-"+uuid.NewString()); !schooldclient.IsNotFound(err) {
		return fmt.Errorf("expected not-found for unknown tenant, got %v", err)
	}
	return nil
}

func verifyPrefixNotEmpty(ctx context.Context, mc *minio.Client, bucket, prefix string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for obj := range mc.ListObjects(timeoutCtx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		return nil
	}
	return fmt.Errorf("no objects under %s/%s", bucket, prefix)
}

func cleanupPrefix(ctx context.Context, mc *minio.Client, bucket, prefix string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for obj := range mc.ListObjects(timeoutCtx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := mc.RemoveObject(timeoutCtx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}
