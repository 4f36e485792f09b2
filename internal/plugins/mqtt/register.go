package mqtt

import "panelhub/pkg/plugin"

func init() {
	plugin.Register(plugin.FactoryInfo{
		Name:        ID,
		Description: "JSON-over-MQTT device adapter",
		Priority:    plugin.PriorityDefault,
		Order:       40,
		Factory:     createAdapter,
	})
}

func createAdapter(ctx *plugin.Context) (*plugin.Adapter, error) {
	return New(NewPahoClient, ctx.Logger.Named(ID)).Adapter(), nil
}
