package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pepperpark/mailmirror/internal/folders"
)

// ErrUsage marks invalid command line or configuration values.
var ErrUsage = errors.New("invalid configuration")

const (
	DefaultTimeout = 60 * time.Second
	EnvPrefix      = "MAILMIRROR"
)

// Config is the validated configuration of one run.
type Config struct {
	Host       string
	Port       int
	User       string
	Pass       string
	KeyringKey string
	SSL        bool
	StartTLS   bool
	Insecure   bool
	KeyFile    string
	CertFile   string
	Timeout    time.Duration

	BaseDir        string
	Overwrite      bool
	Folders        []string
	ExcludeFolders []string
	Thunderbird    bool
	ICloud         bool
	UnseenOnly     bool

	ResendTo string
	Relay    string

	NoSpinner bool
	StateFile string
	Verbose   bool
}

// AddFlags registers the command line flags. Their names double as viper keys.
func AddFlags(fs *pflag.FlagSet) {
	fs.StringP("server", "s", "", "Address of server, port optional, eg. mail.example.com:143")
	fs.StringP("user", "u", "", "Username to log into server")
	fs.StringP("pass", "p", "", "Password; '@file' reads it from file, a leading '\\' makes it literal. Prompts if empty")
	fs.String("pass-keyring", "", "Read the password from the system keyring entry with this key")
	fs.BoolP("ssl", "e", false, "Use SSL. Port defaults to 993")
	fs.Bool("starttls", false, "Upgrade a plain connection with STARTTLS")
	fs.Bool("insecure", false, "Skip TLS certificate verification")
	fs.StringP("keyfile", "k", "", "PEM private key file for SSL. Specify cert, too")
	fs.StringP("certfile", "c", "", "PEM certificate chain for SSL. Specify key, too")
	fs.IntP("timeout", "t", int(DefaultTimeout/time.Second), "Socket timeout in seconds")
	fs.StringP("mbox-dir", "d", ".", "Write mbox files to directory")
	fs.BoolP("append-to-mboxes", "a", false, "Append new messages to mbox files (default)")
	fs.BoolP("yes-overwrite-mboxes", "y", false, "Overwrite existing mbox files instead of appending")
	fs.StringP("folders", "f", "", "Comma separated list of folders to include")
	fs.String("exclude-folders", "", "Comma separated list of folders to exclude")
	fs.Bool("thunderbird", false, "Create Mozilla Thunderbird compatible mailboxes")
	fs.Bool("icloud", false, "iCloud compatibility: fetch with BODY.PEEK[]")
	fs.Bool("unseen-only", false, "Only consider unseen messages (always on with --resend-to)")
	fs.String("resend-to", "", "Relay new messages to this address instead of archiving them")
	fs.String("relay", "", "SMTP relay host[:port] used with --resend-to (port defaults to 25)")
	fs.Bool("nospinner", false, "Disable the progress display (log-friendly output)")
	fs.String("state-file", "", "Run ledger path (default <mbox-dir>/.mailmirror.yaml, 'none' disables)")
	fs.String("config", "", "YAML config file")
	fs.Bool("verbose", false, "Enable debug logging")
}

// NewViper binds fs into a viper instance that also reads MAILMIRROR_*
// environment variables and, when given, a YAML config file.
func NewViper(fs *pflag.FlagSet, file string) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading config %s: %v", ErrUsage, file, err)
		}
	}
	return v, nil
}

// FromViper builds and validates a Config. The password is taken as given;
// see ResolvePassword.
func FromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		User:           v.GetString("user"),
		Pass:           v.GetString("pass"),
		KeyringKey:     v.GetString("pass-keyring"),
		SSL:            v.GetBool("ssl"),
		StartTLS:       v.GetBool("starttls"),
		Insecure:       v.GetBool("insecure"),
		KeyFile:        v.GetString("keyfile"),
		CertFile:       v.GetString("certfile"),
		Overwrite:      v.GetBool("yes-overwrite-mboxes"),
		Folders:        folders.SplitList(v.GetString("folders")),
		ExcludeFolders: folders.SplitList(v.GetString("exclude-folders")),
		Thunderbird:    v.GetBool("thunderbird"),
		ICloud:         v.GetBool("icloud"),
		UnseenOnly:     v.GetBool("unseen-only"),
		ResendTo:       v.GetString("resend-to"),
		Relay:          v.GetString("relay"),
		NoSpinner:      v.GetBool("nospinner"),
		Verbose:        v.GetBool("verbose"),
	}

	var errs []string
	server := v.GetString("server")
	if server == "" {
		errs = append(errs, "no server specified")
	}
	if c.User == "" {
		errs = append(errs, "no username specified")
	}
	if (c.KeyFile == "") != (c.CertFile == "") {
		errs = append(errs, "please specify both key and cert or neither")
	}
	if c.KeyFile != "" && !c.SSL {
		errs = append(errs, "key specified without SSL, use -e or --ssl")
	}
	if c.CertFile != "" && !c.SSL {
		errs = append(errs, "certificate specified without SSL, use -e or --ssl")
	}
	if len(c.Folders) > 0 && len(c.ExcludeFolders) > 0 {
		errs = append(errs, "you cannot use both --folders and --exclude-folders")
	}
	if c.ResendTo != "" && c.Relay == "" {
		errs = append(errs, "--resend-to needs --relay")
	}

	defaultPort := 143
	if c.SSL {
		defaultPort = 993
	}
	host, port, err := SplitHostPort(server, defaultPort)
	if err != nil {
		errs = append(errs, err.Error())
	}
	c.Host, c.Port = host, port

	if c.Relay != "" {
		rh, rp, err := SplitHostPort(c.Relay, 25)
		if err != nil {
			errs = append(errs, "relay: "+err.Error())
		}
		c.Relay = rh + ":" + strconv.Itoa(rp)
		c.UnseenOnly = true
	}

	secs := v.GetInt("timeout")
	if secs <= 0 {
		errs = append(errs, "invalid timeout value, must be an integer greater than 0")
	}
	c.Timeout = time.Duration(secs) * time.Second

	c.BaseDir, err = expandDir(v.GetString("mbox-dir"))
	if err != nil {
		errs = append(errs, err.Error())
	}

	switch sf := v.GetString("state-file"); sf {
	case "none":
	case "":
		c.StateFile = filepath.Join(c.BaseDir, ".mailmirror.yaml")
	default:
		c.StateFile = sf
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUsage, strings.Join(errs, "; "))
	}
	return c, nil
}

// SplitHostPort splits "host[:port]".
func SplitHostPort(s string, defaultPort int) (string, int, error) {
	host, portStr, found := strings.Cut(s, ":")
	if !found || portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return host, defaultPort, fmt.Errorf("invalid port %q, must be an integer between 0 and 65535", portStr)
	}
	return host, port, nil
}

func expandDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %v", dir, err)
		}
		return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
	}
	return filepath.Abs(dir)
}

// Mode returns the folder naming mode.
func (c *Config) Mode() folders.Mode {
	if c.Thunderbird {
		return folders.ModeThunderbird
	}
	return folders.ModeFlat
}
