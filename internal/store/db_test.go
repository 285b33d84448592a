package store_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/ecoatlas/internal/store"
)

var _ = Describe("Database", func() {
	var (
		logger *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewDB", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				db, err := store.NewDB(context.Background(), nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
				Expect(db).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				db, err := store.NewDB(context.Background(), &store.DBConfig{Host: "localhost", Port: 5432})
				Expect(err).To(MatchError(ContainSubstring("logger")))
				Expect(db).To(BeNil())
			})

			It("should return error when neither dsn nor host is set", func() {
				db, err := store.NewDB(context.Background(), &store.DBConfig{Logger: logger})
				Expect(err).To(MatchError(ContainSubstring("dsn or host")))
				Expect(db).To(BeNil())
			})
		})

		Context("connection validation", func() {
			It("should fail with an unreachable host", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				db, err := store.NewDB(ctx, &store.DBConfig{
					Logger:   logger,
					Host:     "invalid-host-that-does-not-exist",
					Port:     5432,
					User:     "test",
					Password: "password",
					DBName:   "testdb",
				})
				Expect(err).To(HaveOccurred())
				Expect(db).To(BeNil())
			})

			It("should fail with a malformed dsn", func() {
				db, err := store.NewDB(context.Background(), &store.DBConfig{
					Logger: logger,
					DSN:    "postgres://%zz",
				})
				Expect(err).To(HaveOccurred())
				Expect(db).To(BeNil())
			})
		})
	})

	Describe("CloseDB", func() {
		It("should accept a nil database", func() {
			Expect(store.CloseDB(nil, logger)).To(Succeed())
		})
	})

	Describe("New", func() {
		It("should reject a nil config", func() {
			_, err := store.New(nil)
			Expect(err).To(MatchError("config cannot be nil"))
		})

		It("should reject a nil database", func() {
			_, err := store.New(&store.Config{Logger: logger})
			Expect(err).To(MatchError("database cannot be nil"))
		})
	})

	Describe("NewRecentCache", func() {
		It("should reject an empty address", func() {
			_, err := store.NewRecentCache(context.Background(), &store.CacheConfig{Logger: logger})
			Expect(err).To(MatchError("redis address cannot be empty"))
		})

		It("should fail when redis is unreachable", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := store.NewRecentCache(ctx, &store.CacheConfig{Logger: logger, Addr: "127.0.0.1:1"})
			Expect(err).To(MatchError(ContainSubstring("failed to connect to redis")))
		})
	})
})
