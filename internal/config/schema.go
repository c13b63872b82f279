package config

import (
	"fmt"

	"github.com/centradb/dbsync/internal/dbsync/registry"
)

// TableConfig declares one tracked table in the config file. Tables are
// registered in file order, so parents must be declared before children.
type TableConfig struct {
	Name        string       `yaml:"name"`
	PK          string       `yaml:"pk"`
	Columns     []ColumnDecl `yaml:"columns"`
	ForeignKeys []FKDecl     `yaml:"foreignKeys"`
	Uniques     [][]string   `yaml:"uniques"`
}

// ColumnDecl is a name/type pair. Types: int, float, text, bool, time, bytes.
type ColumnDecl struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FKDecl declares that a column references another tracked table's pk.
type FKDecl struct {
	Column string `yaml:"column"`
	Table  string `yaml:"table"`
}

var kinds = map[string]registry.Kind{
	"int":   registry.Int,
	"float": registry.Float,
	"text":  registry.Text,
	"bool":  registry.Bool,
	"time":  registry.Time,
	"bytes": registry.Bytes,
}

// BuildRegistry turns the declared tables into a populated registry.
func BuildRegistry(tables []TableConfig) (*registry.Registry, error) {
	reg := registry.New()
	for _, t := range tables {
		ct := &registry.ContentType{ID: t.Name, PKColumn: t.PK}
		for _, c := range t.Columns {
			kind, ok := kinds[c.Type]
			if !ok {
				return nil, fmt.Errorf("table %s: unknown column type %q", t.Name, c.Type)
			}
			ct.Columns = append(ct.Columns, registry.Column{Name: c.Name, Kind: kind})
		}
		for _, fk := range t.ForeignKeys {
			ct.ForeignKeys = append(ct.ForeignKeys, registry.ForeignKey{
				Column:  fk.Column,
				RefType: fk.Table,
			})
		}
		for _, u := range t.Uniques {
			ct.Uniques = append(ct.Uniques, registry.Unique{Columns: u})
		}
		if err := reg.Register(ct); err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
	}
	return reg, nil
}
