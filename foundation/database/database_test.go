package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx"
	"github.com/matryer/is"
)

func TestEnsureSchema(t *testing.T) {
	is := is.New(t)
	db, err := Open(Config{Driver: DriverSQLite})
	is.NoErr(err)
	defer func() {
		_ = db.Close()
	}()

	ctx := context.Background()
	is.NoErr(EnsureSchema(ctx, db))
	// applying twice must be harmless
	is.NoErr(EnsureSchema(ctx, db))

	var tables []string
	err = db.SelectContext(ctx, &tables,
		"select name from sqlite_master where type = 'table' and name in ('journeys', 'stops') order by name")
	is.NoErr(err)
	is.Equal(tables, []string{"journeys", "stops"})

	var foreignKeys int
	is.NoErr(db.GetContext(ctx, &foreignKeys, "PRAGMA foreign_keys"))
	is.Equal(foreignKeys, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	is := is.New(t)
	_, err := Open(Config{Driver: "oracle"})
	is.True(err != nil)
}

func TestPrepareNamedQueryFromMap(t *testing.T) {
	is := is.New(t)
	db, err := Open(Config{Driver: DriverSQLite})
	is.NoErr(err)
	defer func() {
		_ = db.Close()
	}()

	query, args, err := PrepareNamedQueryFromMap("select id from journeys where id in (:ids) and trip_date = :day",
		db, map[string]interface{}{
			"ids": []string{"a", "b"},
			"day": "2024-05-01",
		})
	is.NoErr(err)
	is.Equal(query, "select id from journeys where id in (?, ?) and trip_date = ?")
	is.Equal(args, []interface{}{"a", "b", "2024-05-01"})
}

func TestPrepareNamedQueryRowsFromMap(t *testing.T) {
	is := is.New(t)
	db, err := Open(Config{Driver: DriverSQLite})
	is.NoErr(err)
	defer func() {
		_ = db.Close()
	}()
	ctx := context.Background()
	_, err = db.ExecContext(ctx, "create table liveboard (station text, vehicle text)")
	is.NoErr(err)
	_, err = db.ExecContext(ctx, "insert into liveboard values ('Namur', 'BE.NMBS.IC1'), ('Namur', 'BE.NMBS.IC2'), "+
		"('Mons', 'BE.NMBS.IC3')")
	is.NoErr(err)

	rows, err := PrepareNamedQueryRowsFromMap(ctx, "select station, vehicle from liveboard "+
		"where station = :station and vehicle in (:vehicles) order by vehicle", db, map[string]interface{}{
		"station":  "Namur",
		"vehicles": []string{"BE.NMBS.IC2", "BE.NMBS.IC3"},
	})
	is.NoErr(err)
	defer func() {
		_ = rows.Close()
	}()
	type departure struct {
		Station string `db:"station"`
		Vehicle string `db:"vehicle"`
	}
	var got []departure
	for rows.Next() {
		var d departure
		is.NoErr(rows.StructScan(&d))
		got = append(got, d)
	}
	is.NoErr(rows.Err())
	is.Equal(got, []departure{{Station: "Namur", Vehicle: "BE.NMBS.IC2"}})
}

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "serialization failure", err: pgx.PgError{Code: "40001"}, want: true},
		{name: "deadlock wrapped", err: fmt.Errorf("upsert: %w", pgx.PgError{Code: "40P01"}), want: true},
		{name: "unique violation pointer", err: &pgx.PgError{Code: "23505"}, want: true},
		{name: "not null violation", err: pgx.PgError{Code: "23502"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConflict(tt.err); got != tt.want {
				t.Errorf("IsConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}
