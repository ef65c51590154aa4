package dmm

import (
	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/scpi"
	"codeberg.org/mutker/dmmctl/internal/transport"
	"go.uber.org/multierr"
)

// Detect probes every serial port of the host and returns the first one
// whose identification reply matches the dialect.
func Detect(opts Options) (string, scpi.Identity, error) {
	ports, err := transport.ListPorts()
	if err != nil {
		return "", scpi.Identity{}, err
	}

	return Probe(ports, opts)
}

// Probe tries ports in order. Ports that fail to open, answer with a foreign
// identification or match opts.Skip are passed over.
func Probe(ports []string, opts Options) (string, scpi.Identity, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With("detect")

	for _, port := range ports {
		if opts.Skip != nil && opts.Skip(port) {
			log.Debug().Str("port", port).Msg("port skipped")
			continue
		}
		id, err := probePort(port, opts)
		if err != nil {
			log.Debug().Str("port", port).Err(err).Msg("no meter on port")
			continue
		}
		log.Info().Str("port", port).Str("idn", id.Raw).Msg("meter found")
		return port, id, nil
	}

	return "", scpi.Identity{}, errors.New().WithData(errors.ErrResourceNotFound, struct {
		Dialect string
		Ports   []string
	}{opts.Dialect.Name, ports})
}

func probePort(port string, opts Options) (id scpi.Identity, err error) {
	conn, err := opts.Opener(port)
	if err != nil {
		return scpi.Identity{}, err
	}
	defer func() {
		err = multierr.Append(err, conn.Close())
	}()

	return opts.client(conn).Identify()
}
