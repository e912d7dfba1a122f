//-------------------------------------------------------------------------
//
// Meridian Bank Analytics Warehouse
//
// Copyright (c) 2025 - 2026, Meridian Bank Data Platform Group
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package datagen provides fake data generation for the synthetic source
// feeds. Generation is always seeded so that replaying an extraction
// window reproduces the identical records.
package datagen

import (
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Faker provides fake data generation using gofakeit.
type Faker struct {
	faker *gofakeit.Faker
}

// NewFakerWithSeed creates a new Faker with a specific seed for reproducibility.
func NewFakerWithSeed(seed uint64) *Faker {
	return &Faker{
		faker: gofakeit.New(seed),
	}
}

// FirstName generates a random first name.
func (f *Faker) FirstName() string {
	return f.faker.FirstName()
}

// LastName generates a random last name.
func (f *Faker) LastName() string {
	return f.faker.LastName()
}

// Email generates a random email address.
func (f *Faker) Email() string {
	return f.faker.Email()
}

// Street generates a random street address.
func (f *Faker) Street() string {
	return f.faker.Street()
}

// City generates a random city name.
func (f *Faker) City() string {
	return f.faker.City()
}

// State generates a random two-letter state abbreviation.
func (f *Faker) State() string {
	return f.faker.StateAbr()
}

// Int generates a random integer between min and max (inclusive).
func (f *Faker) Int(min, max int) int {
	return f.faker.Number(min, max)
}

// Float64 generates a random float between min and max.
func (f *Faker) Float64(min, max float64) float64 {
	return f.faker.Float64Range(min, max)
}

// Date generates a random date between start and end.
func (f *Faker) Date(start, end time.Time) time.Time {
	return f.faker.DateRange(start, end)
}

// Digits generates a string of n random digits.
func (f *Faker) Digits(n int) string {
	return f.faker.DigitN(uint(n))
}

// Choose selects a random item from a slice.
func Choose[T any](f *Faker, items []T) T {
	if len(items) == 0 {
		var zero T
		return zero
	}
	return items[f.faker.Number(0, len(items)-1)]
}

// ChooseWeighted selects a random item from a slice using weights.
func ChooseWeighted[T any](f *Faker, items []T, weights []int) T {
	if len(items) == 0 || len(items) != len(weights) {
		var zero T
		return zero
	}

	total := 0
	for _, w := range weights {
		total += w
	}

	r := f.faker.Number(0, total-1)
	for i, w := range weights {
		if r < w {
			return items[i]
		}
		r -= w
	}
	return items[len(items)-1]
}
