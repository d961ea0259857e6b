package terminology

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/octofhir/fhirserver/internal/canonical"
	"github.com/octofhir/fhirserver/internal/store"
)

// Result is the outcome of a ValidateCode call (SPEC_FULL.md §4.10).
type Result struct {
	Valid   bool
	Display string
}

// Validator implements the FHIR ValueSet $validate-code and CodeSystem
// $lookup semantics against ValueSet/CodeSystem resources held in the core
// resource store. Grounded on the teacher's internal/domain/codesystem and
// internal/domain/valueset read paths, generalized from their flattened
// single-include DB columns to the full compose.include[]/exclude[] and
// hierarchical concept[] JSON shapes those resources actually carry.
type Validator struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	// fetch loads the current resource body for (table, url, version).
	// Defaults to querying pool directly; overridden in tests so the
	// compose/concept matching logic can be exercised without a database.
	fetch func(ctx context.Context, table, url, version string) ([]byte, error)
}

// NewValidator builds a Validator reading directly from the sharded
// per-type tables the core resource store maintains, the same way
// internal/subscription.Manager reads fhir_subscription without going
// through the Store interface.
func NewValidator(pool *pgxpool.Pool, logger zerolog.Logger) *Validator {
	v := &Validator{pool: pool, logger: logger}
	v.fetch = v.queryByURL
	return v
}

// ValidateCode implements ValueSet $validate-code. valueSetRef is a
// canonical url, optionally versioned ("url|version"). system is optional
// when the ValueSet's compose only references a single system.
func (v *Validator) ValidateCode(ctx context.Context, valueSetRef, code, system string) (Result, error) {
	vs, err := v.loadValueSet(ctx, valueSetRef)
	if err != nil {
		return Result{}, err
	}

	if vs.Expansion != nil {
		for _, c := range vs.Expansion.Contains {
			if c.Code == code && (system == "" || c.System == system) {
				return Result{Valid: true, Display: c.Display}, nil
			}
		}
		return Result{Valid: false}, nil
	}

	if vs.Compose == nil {
		return Result{Valid: false}, nil
	}

	for _, exclude := range vs.Compose.Exclude {
		if v.composeMatches(ctx, exclude, code, system) {
			return Result{Valid: false}, nil
		}
	}

	for _, include := range vs.Compose.Include {
		if matched, display := v.includeMatches(ctx, include, code, system); matched {
			return Result{Valid: true, Display: display}, nil
		}
	}

	return Result{Valid: false}, nil
}

// GetDisplay implements CodeSystem $lookup's display resolution, walking
// the concept hierarchy recursively.
func (v *Validator) GetDisplay(ctx context.Context, systemRef, code string) (string, error) {
	cs, err := v.loadCodeSystem(ctx, systemRef)
	if err != nil {
		return "", err
	}
	display, ok := cs.find(code)
	if !ok {
		return "", fmt.Errorf("terminology: code %q not found in system %q", code, systemRef)
	}
	return display, nil
}

// composeMatches reports whether a compose.include/exclude rule matches
// (code, system). A rule with an explicit concept[] checks list membership;
// a rule with no concept list means "all codes from system", deferred to a
// CodeSystem lookup (SPEC_FULL.md §4.10 step 3).
func (v *Validator) composeMatches(ctx context.Context, rule composeRule, code, system string) bool {
	matched, _ := v.matchRule(ctx, rule, code, system)
	return matched
}

func (v *Validator) includeMatches(ctx context.Context, rule composeRule, code, system string) (bool, string) {
	return v.matchRule(ctx, rule, code, system)
}

func (v *Validator) matchRule(ctx context.Context, rule composeRule, code, system string) (bool, string) {
	if system != "" && rule.System != "" && rule.System != system {
		return false, ""
	}

	if len(rule.Concept) > 0 {
		for _, c := range rule.Concept {
			if c.Code == code {
				return true, c.Display
			}
		}
		return false, ""
	}

	lookupSystem := rule.System
	if lookupSystem == "" {
		lookupSystem = system
	}
	if lookupSystem == "" {
		return false, ""
	}

	cs, err := v.loadCodeSystem(ctx, lookupSystem)
	if err != nil {
		v.logger.Warn().Err(err).Str("system", lookupSystem).Msg("terminology: code system lookup failed during compose match")
		return false, ""
	}
	display, ok := cs.find(code)
	return ok, display
}

func (v *Validator) loadValueSet(ctx context.Context, ref string) (valueSetResource, error) {
	url, version := canonical.Split(ref)
	body, err := v.fetch(ctx, store.CurrentTable("ValueSet"), url, version)
	if err != nil {
		return valueSetResource{}, fmt.Errorf("terminology: loading value set %q: %w", ref, err)
	}
	return parseValueSet(body)
}

func (v *Validator) loadCodeSystem(ctx context.Context, ref string) (codeSystemResource, error) {
	url, version := canonical.Split(ref)
	body, err := v.fetch(ctx, store.CurrentTable("CodeSystem"), url, version)
	if err != nil {
		return codeSystemResource{}, fmt.Errorf("terminology: loading code system %q: %w", ref, err)
	}
	return parseCodeSystem(body)
}

func (v *Validator) queryByURL(ctx context.Context, table, url, version string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT resource FROM %s WHERE status <> 'deleted' AND resource->>'url' = $1`, table)
	args := []any{url}
	if version != "" {
		query += ` AND resource->>'version' = $2`
		args = append(args, version)
	}
	query += ` ORDER BY version_id DESC LIMIT 1`

	var body []byte
	if err := v.pool.QueryRow(ctx, query, args...).Scan(&body); err != nil {
		return nil, err
	}
	return body, nil
}
