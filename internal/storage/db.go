package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed schema_postgres.sql
var schemaPostgresSQL string

// Dialect はSQL方言
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB はデータベース接続を保持する
type DB struct {
	*sql.DB
	Dialect Dialect

	now func() time.Time
}

// Open はSQLiteデータベースに接続し、スキーマを初期化する
func Open(path string) (*DB, error) {
	// ディレクトリが存在しない場合は作成
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// PRAGMAはコネクションごとに必要なのでDSNで指定する
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initDB(db, DialectSQLite, schemaSQL)
}

// OpenPostgres はPostgreSQLに接続し、スキーマを初期化する
func OpenPostgres(dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return initDB(db, DialectPostgres, schemaPostgresSQL)
}

// OpenDriver は設定のドライバ名に応じて接続する
func OpenDriver(driver, path, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case DialectSQLite, "":
		return Open(path)
	case DialectPostgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func initDB(db *sql.DB, dialect Dialect, schema string) (*DB, error) {
	// 接続確認
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// スキーマ初期化
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{DB: db, Dialect: dialect, now: time.Now}, nil
}

// Close はデータベース接続を閉じる
func (db *DB) Close() error {
	return db.DB.Close()
}

// SetClock は現在時刻の取得関数を差し替える（テスト用）
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Now は現在時刻を返す
func (db *DB) Now() time.Time {
	return db.now()
}

// Rebind は ? プレースホルダを方言に合わせて変換する
func (db *DB) Rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier は *sql.DB と *sql.Tx の共通部分
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx はトランザクションに束縛されたリポジトリを提供する
type Tx struct {
	db *DB
	tx *sql.Tx
}

// InTx はfnをトランザクション内で実行する。fnがエラーを返すとロールバックする
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{db: db, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Jobs はトランザクション内のJobRepositoryを返す
func (t *Tx) Jobs() *JobRepository {
	return &JobRepository{db: t.db, q: t.tx}
}

// Batches はトランザクション内のBatchRepositoryを返す
func (t *Tx) Batches() *BatchRepository {
	return &BatchRepository{db: t.db, q: t.tx}
}

// Lessons はトランザクション内のLessonRepositoryを返す
func (t *Tx) Lessons() *LessonRepository {
	return &LessonRepository{db: t.db, q: t.tx}
}

// Logs はトランザクション内のProcessingLogRepositoryを返す
func (t *Tx) Logs() *ProcessingLogRepository {
	return &ProcessingLogRepository{db: t.db, q: t.tx}
}

// toMillis は時刻をUNIXミリ秒に変換する
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// nullMillis は時刻ポインタをNULL許容のミリ秒に変換する
func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// fromMillis はUNIXミリ秒を時刻に変換する
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// fromNullMillis はNULL許容のミリ秒を時刻ポインタに変換する
func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Ptr は値のポインタを返すヘルパー
func Ptr[T any](v T) *T {
	return &v
}
