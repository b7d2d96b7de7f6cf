package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"options-engine/pkg/crypto"
	"options-engine/pkg/db"
)

// ScheduleSeed is a daily auto-execution entry in YAML.
type ScheduleSeed struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	PresetID      string `yaml:"preset_id"`
	APIID         string `yaml:"api_id"`
	ExecutionTime string `yaml:"execution_time"` // HH:MM, trading timezone
	Enabled       bool   `yaml:"enabled"`
}

// CredentialSeed is an exchange account. APISecret may be plaintext or an
// already sealed ENC[vN]: value; plaintext is sealed before storage.
type CredentialSeed struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// SeedFile represents the top-level YAML structure.
type SeedFile struct {
	Presets     []Preset         `yaml:"presets"`
	Schedules   []ScheduleSeed   `yaml:"schedules"`
	Credentials []CredentialSeed `yaml:"credentials"`
}

// LoadSeed reads presets, schedules, and credentials from a YAML file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for _, p := range file.Presets {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("preset %s: %w", p.ID, err)
		}
	}
	for _, s := range file.Schedules {
		if _, err := time.Parse("15:04", s.ExecutionTime); err != nil {
			return nil, fmt.Errorf("schedule %s: execution time %q is not HH:MM", s.ID, s.ExecutionTime)
		}
	}
	return &file, nil
}

// SyncSeedToDB upserts the seed in one transaction.
func SyncSeedToDB(ctx context.Context, database *db.Database, keys *crypto.KeyManager, seed *SeedFile) error {
	return database.WithTx(ctx, func(q *db.Queries) error {
		for _, p := range seed.Presets {
			params, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal preset %s: %w", p.ID, err)
			}
			if err := q.UpsertPreset(ctx, db.PresetRow{
				ID:     p.ID,
				Name:   p.Name,
				Asset:  p.Asset,
				Kind:   string(p.Kind),
				Params: params,
			}); err != nil {
				return err
			}
		}

		for _, c := range seed.Credentials {
			secret := c.APISecret
			if !crypto.IsSealed(secret) {
				if keys == nil {
					return fmt.Errorf("credential %s: plaintext secret requires a master key", c.ID)
				}
				sealed, err := keys.Seal(c.ID, secret)
				if err != nil {
					return fmt.Errorf("seal credential %s: %w", c.ID, err)
				}
				secret = sealed
			}
			if err := q.UpsertCredential(ctx, db.Credential{
				ID:           c.ID,
				Name:         c.Name,
				APIKey:       c.APIKey,
				SealedSecret: secret,
			}); err != nil {
				return err
			}
		}

		for _, s := range seed.Schedules {
			if err := q.UpsertSchedule(ctx, db.Schedule{
				ID:            s.ID,
				Name:          s.Name,
				PresetID:      s.PresetID,
				APIID:         s.APIID,
				ExecutionTime: s.ExecutionTime,
				Enabled:       s.Enabled,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
