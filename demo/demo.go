// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package demo

import (
	"context"
	"fmt"
	"io"

	_ "modernc.org/sqlite"

	"github.com/canonical/sqlorm"
	"github.com/canonical/sqlorm/sqlexpr"
)

type Person struct {
	sqlorm.Base
	ID       int    `db:"id"`
	Name     string `db:"name"`
	Height   int    `db:"height_cm"`
	HomeTown string `db:"home_town"`
	Home     *Place `db:"home"`
}

type Place struct {
	sqlorm.Base
	Name       string `db:"town_name"`
	Population int    `db:"population"`
}

var (
	places = sqlexpr.NewTable("location", "town_name", "population").WithPrimaryKey("town_name")
	people = sqlexpr.NewTable("people", "id", "name", "height_cm", "home_town").
		WithPrimaryKey("id").
		WithForeignKey("home_town", places.C("town_name"))
)

func registry() (*sqlorm.Registry, error) {
	reg := sqlorm.NewRegistry()
	if _, err := reg.Map(&Person{}, people, sqlorm.WithRelation("home", &Place{})); err != nil {
		return nil, err
	}
	if _, err := reg.Map(&Place{}, places); err != nil {
		return nil, err
	}
	return reg, nil
}

// Run creates an in-memory database of people and the towns they live in
// and writes what it finds out about them to w.
func Run(ctx context.Context, w io.Writer) error {
	reg, err := registry()
	if err != nil {
		return err
	}
	// Every connection to ":memory:" opens a new database.
	engine, err := sqlorm.Open(sqlorm.Config{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1}, reg)
	if err != nil {
		return err
	}
	defer engine.Close()

	_, err = engine.DB().ExecContext(ctx, `
		CREATE TABLE people (
			id integer PRIMARY KEY,
			name text,
			height_cm integer,
			home_town text
		);
		CREATE TABLE location (
			town_name text PRIMARY KEY,
			population integer
		);`)
	if err != nil {
		return err
	}

	sess := engine.Session(ctx)
	defer sess.Close()

	// Insert the people and places.
	err = sess.AddAll(
		&Place{Name: "Kabul", Population: 13000000},
		&Place{Name: "Berlin", Population: 3677472},
		&Place{Name: "Brasília", Population: 3039444},
		&Place{Name: "Cape Town", Population: 4710000},
		&Person{Name: "Jim", Height: 150, HomeTown: "Kabul"},
		&Person{Name: "Saba", Height: 162, HomeTown: "Berlin"},
		&Person{Name: "Dave", Height: 169, HomeTown: "Brasília"},
		&Person{Name: "Sophie", Height: 174, HomeTown: "Berlin"},
		&Person{Name: "Kiri", Height: 168, HomeTown: "Cape Town"},
	)
	if err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}

	// Find people taller than Jim.
	jim, err := sqlorm.OneOf[*Person](sess.Query(&Person{}).FilterBy(map[string]any{"name": "Jim"}))
	if err != nil {
		return err
	}
	height := people.C("height_cm")
	iter := sess.Query(&Person{}).Filter(sqlexpr.Gt(height, jim.Height)).OrderBy(height).Iter()
	for iter.Next() {
		p := iter.Value().(*Person)
		fmt.Fprintf(w, "%s is taller than %s.\n", p.Name, jim.Name)
	}
	if err := iter.Close(); err != nil {
		return err
	}

	// Find the towns of the people taller than Jim.
	rows, err := sess.Query(&Person{}, &Place{}).
		Filter(sqlexpr.Eq(people.C("home_town"), places.C("town_name"))).
		Filter(sqlexpr.Gt(height, jim.Height)).
		OrderBy(places.C("town_name"), people.C("name")).
		All()
	if err != nil {
		return err
	}
	for _, row := range rows {
		pair := row.([]any)
		p, place := pair[0].(*Person), pair[1].(*Place)
		fmt.Fprintf(w, "%s lives in %s, population %d.\n", p.Name, place.Name, place.Population)
	}

	// The home of Jim is loaded on first access.
	home, err := sess.Attr(jim, "home")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s comes from %s.\n", jim.Name, home.(*Place).Name)
	return nil
}
