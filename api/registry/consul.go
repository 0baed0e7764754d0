// Package registry maintains the shared service-discovery aggregate in
// Consul: one catalog registration and one KV entry per server, so
// other collaborators can resolve endpoints without talking to the
// cluster API themselves.
package registry

import (
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"wharf/api/model"
)

const kvPrefix = "wharf/servers/"

type Client struct {
	api *consulapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Consul.
func (c *Client) Healthy() error {
	_, err := c.api.Status().Leader()
	return err
}

// Register adds the server to the catalog and writes its endpoint to
// the KV aggregate. Called as the last step of a create; a failure here
// rolls the whole creation back.
func (c *Client) Register(desc model.ServerDescriptor) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      desc.Name,
		Name:    desc.Name,
		Address: desc.ClusterAddress,
		Port:    desc.Port,
		Tags:    []string{string(desc.Protocol), string(desc.ManagedBy)},
	}
	if err := c.api.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("register %s: %w", desc.Name, err)
	}

	kv := &consulapi.KVPair{
		Key:   kvPrefix + desc.Name,
		Value: []byte(desc.Endpoint()),
	}
	if _, err := c.api.KV().Put(kv, nil); err != nil {
		// Keep the aggregate consistent: back out the registration.
		_ = c.api.Agent().ServiceDeregister(desc.Name)
		return fmt.Errorf("endpoint kv %s: %w", desc.Name, err)
	}
	return nil
}

// Deregister removes the server from the catalog and the KV aggregate.
// Unknown names are not an error, so retried deletes converge.
func (c *Client) Deregister(name string) error {
	svcs, err := c.api.Agent().Services()
	if err != nil {
		return fmt.Errorf("deregister %s: %w", name, err)
	}
	if _, registered := svcs[name]; registered {
		if err := c.api.Agent().ServiceDeregister(name); err != nil {
			return fmt.Errorf("deregister %s: %w", name, err)
		}
	}
	if _, err := c.api.KV().Delete(kvPrefix+name, nil); err != nil {
		return fmt.Errorf("endpoint kv delete %s: %w", name, err)
	}
	return nil
}

// Endpoints returns the aggregate map of server name to endpoint.
func (c *Client) Endpoints() (map[string]string, error) {
	pairs, _, err := c.api.KV().List(kvPrefix, nil)
	if err != nil {
		return nil, err
	}
	endpoints := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name := strings.TrimPrefix(p.Key, kvPrefix)
		if name == "" {
			continue
		}
		endpoints[name] = string(p.Value)
	}
	return endpoints, nil
}
