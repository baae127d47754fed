package sqldriver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gridsql/client"
)

const scheme = "gridsql://"

var ErrInvalidDSN = errors.New("invalid DSN")

// ParseDSN converts a data source name into client options. The form is
//
//	gridsql://[user[:password]@]host[:port][,host[:port]...][/schema][?param=value&...]
//
// Parameters: connect_timeout, request_timeout, heartbeat_interval (Go
// durations), page_size, transport (tcp, ws or wss), ws_path, tls (bool) and
// tls_skip_verify (bool).
func ParseDSN(dsn string) (client.Options, error) {
	var opts client.Options
	rest, ok := strings.CutPrefix(dsn, scheme)
	if !ok {
		return opts, fmt.Errorf("%w: must start with %s", ErrInvalidDSN, scheme)
	}

	rest, rawQuery, _ := strings.Cut(rest, "?")
	hostPart, schema, _ := strings.Cut(rest, "/")

	if at := strings.LastIndex(hostPart, "@"); at >= 0 {
		user, pass, _ := strings.Cut(hostPart[:at], ":")
		var err error
		if user, err = url.PathUnescape(user); err != nil {
			return opts, fmt.Errorf("%w: user: %v", ErrInvalidDSN, err)
		}
		if pass, err = url.PathUnescape(pass); err != nil {
			return opts, fmt.Errorf("%w: password: %v", ErrInvalidDSN, err)
		}
		opts.Credentials = &client.BasicAuth{Username: user, Password: pass}
		hostPart = hostPart[at+1:]
	}
	if schema != "" {
		opts.Schema = schema
	}

	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}

	transport, wsPath := "tcp", ""
	for key, values := range params {
		v := values[len(values)-1]
		switch key {
		case "connect_timeout":
			opts.ConnectTimeout, err = time.ParseDuration(v)
		case "request_timeout":
			opts.RequestTimeout, err = time.ParseDuration(v)
		case "heartbeat_interval":
			opts.HeartbeatInterval, err = time.ParseDuration(v)
		case "page_size":
			opts.PageSize, err = strconv.Atoi(v)
		case "transport":
			transport = v
			if v != "tcp" && v != "ws" && v != "wss" {
				err = fmt.Errorf("unknown transport %q", v)
			}
		case "ws_path":
			wsPath = "/" + strings.TrimPrefix(v, "/")
		case "tls", "tls_skip_verify":
			var on bool
			if on, err = strconv.ParseBool(v); err == nil && on {
				if opts.TLS == nil {
					opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
				}
				if key == "tls_skip_verify" {
					opts.TLS.InsecureSkipVerify = true
				}
			}
		default:
			err = errors.New("unknown parameter")
		}
		if err != nil {
			return opts, fmt.Errorf("%w: %s: %v", ErrInvalidDSN, key, err)
		}
	}

	for _, host := range strings.Split(hostPart, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if transport != "tcp" {
			host = transport + "://" + host + wsPath
		}
		opts.Addresses = append(opts.Addresses, host)
	}
	if len(opts.Addresses) == 0 {
		return opts, fmt.Errorf("%w: no hosts", ErrInvalidDSN)
	}
	return opts, nil
}
