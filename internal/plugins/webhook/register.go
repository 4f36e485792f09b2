package webhook

import "panelhub/pkg/plugin"

func init() {
	plugin.Register(plugin.FactoryInfo{
		Name:        ID,
		Description: "Generic HTTP webhook adapter",
		Priority:    plugin.PriorityDefault,
		Order:       20,
		Factory:     createAdapter,
	})
}

func createAdapter(ctx *plugin.Context) (*plugin.Adapter, error) {
	return New(ctx.HTTPClient, ctx.Logger.Named(ID)).Adapter(), nil
}
