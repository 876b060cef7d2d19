// Package docker implements an applier that stands a cluster up as a local
// database container. Identity resources (roles, log groups, associations)
// have no container equivalent; they converge as labeled records so plans
// involving them still settle. Intended for local development loops where
// the managed platform is out of reach.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/logging"
)

type Provider struct {
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	p.client = cli
	return nil
}

// engineImage maps cluster engines onto container images.
var engineImage = map[string]string{
	"aurora-postgresql": "postgres:16",
	"postgres":          "postgres:16",
	"aurora-mysql":      "mysql:8",
	"mysql":             "mysql:8",
	"mariadb":           "mariadb:11",
}

func (p *Provider) Plan(ctx context.Context, req *applier.PlanRequest) (*applier.PlanResponse, error) {
	if len(req.PriorJSON) == 0 {
		return &applier.PlanResponse{Action: applier.ActionCreate}, nil
	}
	if string(req.DesiredJSON) != string(req.PriorJSON) {
		// Containers are cheap; any drift is a replace.
		return &applier.PlanResponse{Action: applier.ActionReplace}, nil
	}
	return &applier.PlanResponse{Action: applier.ActionNoop}, nil
}

func (p *Provider) Apply(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	if req.Kind != ir.KindCluster {
		return recordOnly(req)
	}
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	return p.applyClusterContainer(ctx, req)
}

type containerClusterConfig struct {
	ClusterIdentifier string            `json:"clusterIdentifier"`
	Engine            string            `json:"engine"`
	Port              int               `json:"port"`
	DatabaseName      string            `json:"databaseName"`
	MasterUsername    string            `json:"masterUsername"`
	MasterPassword    string            `json:"masterPassword"`
	Tags              map[string]string `json:"tags"`
}

func (p *Provider) applyClusterContainer(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired containerClusterConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired cluster: %w", err)
	}

	img, ok := engineImage[desired.Engine]
	if !ok {
		return nil, fmt.Errorf("no container image for engine %q", desired.Engine)
	}

	// Replacement tears the old container down first.
	if req.Action == applier.ActionReplace || req.Action == applier.ActionUpdate {
		var prior struct {
			ContainerID string `json:"containerId"`
		}
		if len(req.PriorJSON) > 0 {
			_ = json.Unmarshal(req.PriorJSON, &prior)
		}
		if prior.ContainerID != "" {
			p.removeContainer(ctx, prior.ContainerID)
		}
	}

	reader, err := p.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	io.Copy(os.Stdout, reader)
	reader.Close()

	port := desired.Port
	if port == 0 {
		if strings.HasPrefix(img, "postgres") {
			port = 5432
		} else {
			port = 3306
		}
	}

	env := engineEnv(img, &desired)
	labels := map[string]string{
		"dbplane.cluster": desired.ClusterIdentifier,
		"dbplane.engine":  desired.Engine,
	}
	for k, v := range desired.Tags {
		labels["dbplane.tag."+k] = v
	}

	exposed := nat.Port(fmt.Sprintf("%d/tcp", port))
	cfg := &container.Config{
		Image:  img,
		Env:    env,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			exposed: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", port)}},
		},
	}

	logging.Info("creating cluster container", "identifier", desired.ClusterIdentifier, "image", img)
	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, &v1.Platform{}, desired.ClusterIdentifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	outputs := map[string]any{
		"id":             desired.ClusterIdentifier,
		"containerId":    resp.ID,
		"arn":            "docker://" + desired.ClusterIdentifier,
		"endpoint":       fmt.Sprintf("127.0.0.1:%d", port),
		"readerEndpoint": fmt.Sprintf("127.0.0.1:%d", port),
		"port":           port,
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}

func engineEnv(img string, desired *containerClusterConfig) []string {
	user := desired.MasterUsername
	if user == "" {
		user = "root"
	}
	password := desired.MasterPassword
	if password == "" {
		password = "dbplane"
	}

	if strings.HasPrefix(img, "postgres") {
		env := []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
		}
		if desired.DatabaseName != "" {
			env = append(env, "POSTGRES_DB="+desired.DatabaseName)
		}
		return env
	}

	env := []string{"MYSQL_ROOT_PASSWORD=" + password}
	if user != "root" {
		env = append(env, "MYSQL_USER="+user, "MYSQL_PASSWORD="+password)
	}
	if desired.DatabaseName != "" {
		env = append(env, "MYSQL_DATABASE="+desired.DatabaseName)
	}
	return env
}

func (p *Provider) Read(ctx context.Context, req *applier.ReadRequest) (*applier.ReadResponse, error) {
	if req.Kind != ir.KindCluster {
		return &applier.ReadResponse{Exists: true, OutputsJSON: req.CurrentJSON}, nil
	}
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	inspect, err := p.client.ContainerInspect(ctx, req.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &applier.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", req.ID, err)
	}

	data, err := json.Marshal(map[string]any{
		"id":          req.ID,
		"containerId": inspect.ID,
		"running":     inspect.State != nil && inspect.State.Running,
	})
	if err != nil {
		return nil, err
	}
	return &applier.ReadResponse{Exists: true, OutputsJSON: data}, nil
}

func (p *Provider) Delete(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	if req.Kind != ir.KindCluster {
		return &applier.DeleteResponse{}, nil
	}
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var state struct {
		ContainerID string `json:"containerId"`
	}
	if len(req.StateJSON) > 0 {
		_ = json.Unmarshal(req.StateJSON, &state)
	}
	id := state.ContainerID
	if id == "" {
		id = req.ID
	}

	logging.Info("removing cluster container", "id", id)
	p.removeContainer(ctx, id)
	return &applier.DeleteResponse{}, nil
}

func (p *Provider) removeContainer(ctx context.Context, id string) {
	timeout := 10 // seconds
	_ = p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			logging.Warn("failed to remove container", "id", id, "error", err.Error())
		}
	}
}

// recordOnly converges identity resources as pure records: the desired
// properties become the outputs, with a synthetic id.
func recordOnly(req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired map[string]any
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("invalid desired properties: %w", err)
	}

	outputs := map[string]any{
		"id": fmt.Sprintf("docker-%s-%s", req.Kind, req.Name),
	}
	if name, ok := desired["name"].(string); ok {
		outputs["name"] = name
		outputs["arn"] = "docker://" + name
	} else {
		outputs["arn"] = "docker://" + req.Name
	}
	for k, v := range desired {
		if _, taken := outputs[k]; !taken {
			outputs[k] = v
		}
	}

	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}
