package backends

import (
	"context"
	"fmt"
	"net"
	"net/http"

	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"golang.org/x/crypto/ssh"
)

// sshDockerHost is a placeholder host for clients whose dialer ignores the
// address and opens an SSH channel instead.
const sshDockerHost = "http://docker.example.com"

// socketOpts returns the client options for a local engine socket. The
// default socket goes through environment discovery so DOCKER_HOST and
// friends are honoured; any other path is used verbatim.
func socketOpts(t instancecfg.SocketTarget) []dockerclient.Opt {
	if t.IsDefault() {
		return []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	}
	return []dockerclient.Opt{dockerclient.WithHost(t.DockerHost()), dockerclient.WithAPIVersionNegotiation()}
}

// tcpPlan is how a TCP engine endpoint will be reached.
type tcpPlan struct {
	Host             string // tcp://host:port, as handed to the engine client
	ConnectionString string // https://host:port with TLS, tcp://host:port without
	TLSMode          string
	TLS              *tlsconfig.Options // nil without TLS
}

// planTCP picks the TLS material in order of specificity: verification only,
// a custom CA, then a client certificate.
func planTCP(t instancecfg.TCPTarget) tcpPlan {
	p := tcpPlan{
		Host:             t.DockerHost(),
		ConnectionString: t.ConnectionString(),
		TLSMode:          t.TLS.Mode(),
	}
	switch p.TLSMode {
	case instancecfg.TLSModeNone:
		return p
	case instancecfg.TLSModeVerify:
		p.TLS = &tlsconfig.Options{}
	case instancecfg.TLSModeCA:
		p.TLS = &tlsconfig.Options{CAFile: t.TLS.CACert}
	case instancecfg.TLSModeClientCert:
		p.TLS = &tlsconfig.Options{
			CAFile:   t.TLS.CACert,
			CertFile: t.TLS.ClientCert,
			KeyFile:  t.TLS.ClientKey,
		}
	}
	p.TLS.InsecureSkipVerify = !t.TLS.Verify
	return p
}

func (p tcpPlan) clientOpts() ([]dockerclient.Opt, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if p.TLS != nil {
		tlsCfg, err := tlsconfig.Client(*p.TLS)
		if err != nil {
			return nil, connerr.New(connerr.KindValidation, "load tls material", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsCfg
		// the host must come after the HTTP client so it configures this transport
		opts = append(opts, dockerclient.WithHTTPClient(&http.Client{Transport: transport}))
	}
	return append(opts, dockerclient.WithHost(p.Host)), nil
}

// sshDockerClient returns an engine client whose every connection is a
// direct-streamlocal channel to socket over client.
func sshDockerClient(client *ssh.Client, socket string) (*dockerclient.Client, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(sshDockerHost),
		dockerclient.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return client.DialContext(ctx, "unix", socket)
		}),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client over ssh: %w", err)
	}
	return cli, nil
}
