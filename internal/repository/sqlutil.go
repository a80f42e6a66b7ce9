package repository

import (
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// psql はPostgreSQL用のプレースホルダー（$1, $2, ...）を使うステートメントビルダー。
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// nullString は空文字列をNULLとして扱うsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringを文字列に変換する。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime は*time.TimeをNULL許容の値に変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue はsql.NullTimeを*time.Timeに変換する。
func nullTimeValue(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
