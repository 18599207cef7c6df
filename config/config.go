// Package config reads the settings of the medallion command and function
// from a YAML file, a .env file and the environment, in increasing order of
// precedence.
package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/contrib/sources"
	"github.com/landbrugsdata/medallion/redact"
	"github.com/landbrugsdata/medallion/transfer"
)

// Environment selects where the layers are stored.
type Environment string

const (
	Local Environment = "local"
	Dev   Environment = "dev"
	Prod  Environment = "prod"
)

// DefaultLocalStorageDir holds the layers in the local environment.
const DefaultLocalStorageDir = "data"

var (
	// ErrInvalid is returned for settings that fail validation.
	ErrInvalid = errors.New("invalid config")

	// ErrNoSFTP is returned when no SFTP host is configured.
	ErrNoSFTP = errors.New("no sftp host configured")
)

type Config struct {
	Environment     Environment `yaml:"environment"`
	Bucket          string      `yaml:"gcs_bucket"`
	LocalStorageDir string      `yaml:"local_storage_dir"`
	LogLevel        string      `yaml:"log_level"`
	PrettyLogging   bool        `yaml:"pretty_logging"`
	Concurrency     int         `yaml:"concurrency"`

	// Credentials is a service account key file. Application Default
	// Credentials are used when empty.
	Credentials string `yaml:"google_application_credentials"`

	BigQuery  BigQuery  `yaml:"bigquery"`
	Slack     Slack     `yaml:"slack"`
	Cadastral Cadastral `yaml:"cadastral"`
	Drive     Drive     `yaml:"drive"`
	SFTP      SFTP      `yaml:"sftp"`
	Markers   Markers   `yaml:"jordbrugsanalyser"`
}

type BigQuery struct {
	Project string `yaml:"project"`
	Dataset string `yaml:"dataset"`
}

type Slack struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

type Cadastral struct {
	Username          string  `yaml:"username"`
	Password          string  `yaml:"password"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type Drive struct {
	FolderID string `yaml:"folder_id"`
	Redact   string `yaml:"redact"`
}

// Markers bounds the yearly field marker layers. Zero means the default year.
type Markers struct {
	FirstYear int `yaml:"first_year"`
	LastYear  int `yaml:"last_year"`
}

type SFTP struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	User                  string `yaml:"user"`
	Password              string `yaml:"password"`
	KeyFile               string `yaml:"key_file"`
	Passphrase            string `yaml:"passphrase"`
	HostKey               string `yaml:"host_key"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	Dir                   string `yaml:"dir"`
	Dataset               string `yaml:"dataset"`
	BatchSize             int    `yaml:"batch_size"`
	Redact                string `yaml:"redact"`
}

func defaults() *Config {
	return &Config{
		Environment:     Local,
		LocalStorageDir: DefaultLocalStorageDir,
		LogLevel:        "info",
		Concurrency:     1,
		SFTP: SFTP{
			Dir:       ".",
			Dataset:   "sftp",
			BatchSize: transfer.DefaultBatchSize,
		},
	}
}

// Load reads path when it is not empty, then the env files (.env when none
// are given) and finally the environment. Missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	c := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, xerrors.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	var env string
	str(&env, "ENVIRONMENT")
	if env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}

	str(&c.Bucket, "GCS_BUCKET", "GCS_BUCKET_NAME")
	str(&c.LocalStorageDir, "LOCAL_STORAGE_DIR")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.Credentials, "GOOGLE_APPLICATION_CREDENTIALS")
	str(&c.BigQuery.Project, "BIGQUERY_PROJECT_ID", "GOOGLE_CLOUD_PROJECT")
	str(&c.BigQuery.Dataset, "BIGQUERY_DATASET_ID")
	str(&c.Slack.Token, "SLACK_TOKEN")
	str(&c.Slack.Channel, "SLACK_CHANNEL")
	str(&c.Cadastral.Username, "DATAFORDELER_USERNAME", "WFS_USERNAME")
	str(&c.Cadastral.Password, "DATAFORDELER_PASSWORD", "WFS_PASSWORD")
	str(&c.Drive.FolderID, "DRIVE_FOLDER_ID", "GOOGLE_DRIVE_FOLDER_ID")
	str(&c.Drive.Redact, "DRIVE_REDACT")
	str(&c.SFTP.Host, "SFTP_HOST")
	str(&c.SFTP.User, "SFTP_USERNAME")
	str(&c.SFTP.Password, "SFTP_PASSWORD")
	str(&c.SFTP.KeyFile, "SFTP_KEY_FILE")
	str(&c.SFTP.Passphrase, "SFTP_KEY_PASSPHRASE")
	str(&c.SFTP.HostKey, "SFTP_HOST_KEY")
	str(&c.SFTP.Dir, "SFTP_REMOTE_DIR")
	str(&c.SFTP.Dataset, "SFTP_DATASET")
	str(&c.SFTP.Redact, "SFTP_REDACT")

	for _, n := range []struct {
		key string
		dst *int
	}{
		{"MAX_CONCURRENT", &c.Concurrency},
		{"SFTP_PORT", &c.SFTP.Port},
		{"SFTP_BATCH_SIZE", &c.SFTP.BatchSize},
		{"JORDBRUGSANALYSER_START_YEAR", &c.Markers.FirstYear},
		{"JORDBRUGSANALYSER_END_YEAR", &c.Markers.LastYear},
	} {
		v, ok := lookup(n.key)
		if !ok || v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return xerrors.Errorf("%w: %s=%q is not an integer", ErrInvalid, n.key, v)
		}
		*n.dst = i
	}

	if v, ok := lookup("CADASTRAL_REQUESTS_PER_SECOND"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return xerrors.Errorf("%w: CADASTRAL_REQUESTS_PER_SECOND=%q is not a number", ErrInvalid, v)
		}
		c.Cadastral.RequestsPerSecond = f
	}

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"PRETTY_LOGGING", &c.PrettyLogging},
		{"SFTP_INSECURE_IGNORE_HOST_KEY", &c.SFTP.InsecureIgnoreHostKey},
	} {
		v, ok := lookup(b.key)
		if !ok || v == "" {
			continue
		}
		x, err := strconv.ParseBool(v)
		if err != nil {
			return xerrors.Errorf("%w: %s=%q is not a boolean", ErrInvalid, b.key, v)
		}
		*b.dst = x
	}

	return nil
}

// Validate checks the settings that are needed by every command.
func (c *Config) Validate() error {
	switch c.Environment {
	case Local:
		if c.LocalStorageDir == "" {
			return xerrors.Errorf("%w: local environment needs a storage dir", ErrInvalid)
		}
	case Dev, Prod:
		if c.Bucket == "" {
			return xerrors.Errorf("%w: %s environment needs GCS_BUCKET", ErrInvalid, c.Environment)
		}
	default:
		return xerrors.Errorf("%w: unknown environment %q", ErrInvalid, c.Environment)
	}

	if c.Concurrency < 1 {
		return xerrors.Errorf("%w: concurrency must be positive", ErrInvalid)
	}
	if c.Markers.FirstYear != 0 && c.Markers.LastYear != 0 && c.Markers.FirstYear > c.Markers.LastYear {
		return xerrors.Errorf("%w: marker years %d to %d are reversed", ErrInvalid, c.Markers.FirstYear, c.Markers.LastYear)
	}
	if c.BigQuery.Dataset != "" && c.BigQuery.Project == "" {
		return xerrors.Errorf("%w: bigquery dataset %s needs a project", ErrInvalid, c.BigQuery.Dataset)
	}
	for _, a := range []string{c.Drive.Redact, c.SFTP.Redact} {
		if a == "" {
			continue
		}
		if _, err := redact.ParseAction(a); err != nil {
			return xerrors.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	return nil
}

// ClientOptions returns the Google API options of the configured credentials.
func (c *Config) ClientOptions() []option.ClientOption {
	if c.Credentials == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(c.Credentials)}
}

// Store opens the object store of the environment.
func (c *Config) Store(ctx context.Context) (medallion.Store, error) {
	if c.Environment == Local {
		log.Ctx(ctx).Debug().Str("dir", c.LocalStorageDir).Msg("using local storage")
		return medallion.NewDirStore(c.LocalStorageDir)
	}

	return medallion.NewGCSStore(ctx, c.Bucket, c.ClientOptions()...)
}

// Notifier returns a Slack notifier or nil when Slack is not configured.
func (c *Config) Notifier() medallion.Notifier {
	if c.Slack.Token == "" || c.Slack.Channel == "" {
		return nil
	}
	return &medallion.SlackNotifier{
		Token:    c.Slack.Token,
		Channel:  c.Slack.Channel,
		Username: "medallion",
	}
}

// Sources returns the settings of the source jobs.
func (c *Config) Sources() sources.Config {
	return sources.Config{
		Options: sources.Options{
			Notifier:  c.Notifier(),
			Project:   c.BigQuery.Project,
			BQDataset: c.BigQuery.Dataset,
		},
		Cadastral: sources.CadastralConfig{
			Username:          c.Cadastral.Username,
			Password:          c.Cadastral.Password,
			RequestsPerSecond: c.Cadastral.RequestsPerSecond,
		},
		Drive: sources.DriveConfig{
			FolderID:      c.Drive.FolderID,
			ClientOptions: c.ClientOptions(),
			Redact:        redact.Action(c.Drive.Redact),
		},
		Markers: sources.MarkersConfig{
			FirstYear: c.Markers.FirstYear,
			LastYear:  c.Markers.LastYear,
		},
	}
}

// Pipeline builds a pipeline with every configured source registered.
func (c *Config) Pipeline(ctx context.Context, opts ...medallion.Option) (medallion.Pipeline, error) {
	store, err := c.Store(ctx)
	if err != nil {
		return nil, err
	}

	base := []medallion.Option{
		medallion.WithStore(store),
		medallion.WithLogLevel(c.LogLevel),
		medallion.WithConcurrency(c.Concurrency),
	}
	if c.PrettyLogging {
		base = append(base, medallion.WithPrettyLogging())
	}

	p, err := medallion.New(append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	for _, j := range sources.Jobs(c.Sources()) {
		if err := p.AddJob(ctx, j); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// SFTPConfig returns the connection settings of the drop directory.
func (c *Config) SFTPConfig() (transfer.SFTPConfig, error) {
	if c.SFTP.Host == "" {
		return transfer.SFTPConfig{}, ErrNoSFTP
	}

	return transfer.SFTPConfig{
		Host:                  c.SFTP.Host,
		Port:                  c.SFTP.Port,
		User:                  c.SFTP.User,
		Password:              c.SFTP.Password,
		KeyFile:               c.SFTP.KeyFile,
		Passphrase:            c.SFTP.Passphrase,
		HostKey:               c.SFTP.HostKey,
		InsecureIgnoreHostKey: c.SFTP.InsecureIgnoreHostKey,
		Dir:                   c.SFTP.Dir,
	}, nil
}
