package migrate

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatementsKeepsDollarBodies(t *testing.T) {
	src := `create table a (id text);
create function f() returns trigger as $$
begin
    perform pg_notify('c', 'x;y');
    return null;
end;
$$ language plpgsql;
insert into a values ('semi;colon');`
	stmts := splitStatements(src)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[1], "return null;") || !strings.HasSuffix(strings.TrimSpace(stmts[1]), "plpgsql;") {
		t.Fatalf("function body split: %q", stmts[1])
	}
}

func TestSplitStatementsIgnoresPlaceholders(t *testing.T) {
	stmts := splitStatements(`update t set a = $1 where id = $2; select 1;`)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %q", stmts)
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql":   {Data: []byte("create table b (id text);")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (id text);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := NewManager(db, files, "m", "")
	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"m/0002_b.up.sql": {Data: []byte("create table b (id text);")},
	}
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0002_b.up.sql"))

	m := NewManager(db, files, "m", "")
	if err := m.Down(context.Background()); err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}
