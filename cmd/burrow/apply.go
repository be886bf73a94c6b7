package main

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply service definitions and pools from a YAML file",
	Long: `Apply resources from a YAML file. The file may hold service
definitions and pools; pools reference definitions by name so a single
file can declare both:

  servicedefs:
    - name: win11-rdp
      provider_kind: docker
      image_ref: registry.local/win11:stable
      connect_port: 3389
      connect_protocol: rdp
      recycle_mode: recycle
      max_reuses: 20
  pools:
    - name: win11-floor1
      servicedef: win11-rdp
      desired_count: 5
      max_count: 20`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.MarkFlagRequired("file")
}

type applyFile struct {
	ServiceDefs []applyServiceDef `yaml:"servicedefs"`
	Pools       []applyPool       `yaml:"pools"`
}

type applyServiceDef struct {
	Name            string            `yaml:"name"`
	ProviderKind    string            `yaml:"provider_kind"`
	ProviderConfig  map[string]string `yaml:"provider_config"`
	ImageRef        string            `yaml:"image_ref"`
	CPUs            int               `yaml:"cpus"`
	MemoryBytes     int64             `yaml:"memory_bytes"`
	AgentRequired   bool              `yaml:"agent_required"`
	ConnectPort     int               `yaml:"connect_port"`
	ConnectProtocol string            `yaml:"connect_protocol"`
	RecycleMode     string            `yaml:"recycle_mode"`
	MaxReuses       int               `yaml:"max_reuses"`
	MultiSession    bool              `yaml:"multi_session"`
	IdleTimeout     string            `yaml:"idle_timeout"`
}

type applyPool struct {
	Name            string `yaml:"name"`
	ServiceDef      string `yaml:"servicedef"`
	DesiredCount    int    `yaml:"desired_count"`
	MaxCount        int    `yaml:"max_count"`
	ReadyCacheCount int    `yaml:"ready_cache_count"`
}

func runApply(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file applyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	c := newClient()

	// Definitions first so pools can resolve them by name
	defIDs := make(map[string]string)
	for _, sd := range file.ServiceDefs {
		created, err := applyServiceDefOnce(c, sd)
		if err != nil {
			return fmt.Errorf("servicedef %s: %w", sd.Name, err)
		}
		defIDs[created.Name] = created.ID
		fmt.Printf("servicedef %s applied (version %d)\n", created.Name, created.Version)
	}

	for _, p := range file.Pools {
		defID, ok := defIDs[p.ServiceDef]
		if !ok {
			id, err := lookupServiceDef(c, p.ServiceDef)
			if err != nil {
				return fmt.Errorf("pool %s: %w", p.Name, err)
			}
			defID = id
		}

		if err := applyPoolOnce(c, p, defID); err != nil {
			return fmt.Errorf("pool %s: %w", p.Name, err)
		}
		fmt.Printf("pool %s applied (desired=%d max=%d)\n", p.Name, p.DesiredCount, p.MaxCount)
	}

	return nil
}

// applyServiceDefOnce creates the definition, or updates it (bumping the
// version) when one with the same name exists.
func applyServiceDefOnce(c *client.Client, sd applyServiceDef) (*client.ServiceDef, error) {
	def := &client.ServiceDef{
		Name:            sd.Name,
		ProviderKind:    sd.ProviderKind,
		ProviderConfig:  sd.ProviderConfig,
		ImageRef:        sd.ImageRef,
		CPUs:            sd.CPUs,
		MemoryBytes:     sd.MemoryBytes,
		AgentRequired:   sd.AgentRequired,
		ConnectPort:     sd.ConnectPort,
		ConnectProtocol: sd.ConnectProtocol,
		RecycleMode:     sd.RecycleMode,
		MaxReuses:       sd.MaxReuses,
		MultiSession:    sd.MultiSession,
		IdleTimeout:     sd.IdleTimeout,
	}

	existing, err := c.ListServiceDefs()
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.Name == sd.Name {
			return c.UpdateServiceDef(e.ID, def)
		}
	}
	return c.CreateServiceDef(def)
}

func applyPoolOnce(c *client.Client, p applyPool, defID string) error {
	pool := &client.Pool{
		Name:            p.Name,
		ServiceDefID:    defID,
		DesiredCount:    p.DesiredCount,
		MaxCount:        p.MaxCount,
		ReadyCacheCount: p.ReadyCacheCount,
	}

	existing, err := c.ListPools()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Name == p.Name {
			_, err := c.UpdatePool(e.ID, pool)
			return err
		}
	}
	_, err = c.CreatePool(pool)
	return err
}

func lookupServiceDef(c *client.Client, name string) (string, error) {
	defs, err := c.ListServiceDefs()
	if err != nil {
		return "", err
	}
	for _, d := range defs {
		if d.Name == name {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("service definition %q not found", name)
}
