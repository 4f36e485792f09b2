package demo

import "panelhub/pkg/plugin"

func init() {
	plugin.Register(plugin.FactoryInfo{
		Name:        ID,
		Description: "In-memory adapter with simulated devices",
		Priority:    plugin.PriorityDefault,
		Order:       10,
		Factory:     createAdapter,
	})
}

func createAdapter(ctx *plugin.Context) (*plugin.Adapter, error) {
	return NewBackend(ctx.Logger.Named(ID)).Adapter(), nil
}
