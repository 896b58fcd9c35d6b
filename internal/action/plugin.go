package action

import (
	"context"
	"fmt"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Handshake must match between triggerd and action plugin binaries
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "RESTRIKE_ACTION_PLUGIN",
	MagicCookieValue: "action",
}

const pluginName = "target"

// PluginSet returns the plugin map served by a plugin process wrapping impl
func PluginSet(impl Target) plugin.PluginSet {
	return plugin.PluginSet{pluginName: &TargetPlugin{Impl: impl}}
}

// Serve runs the plugin protocol for impl. Called from a plugin binary's main.
func Serve(impl Target) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginSet(impl),
	})
}

// PluginTarget is a Target running in a separate plugin process
type PluginTarget struct {
	*RPCClient
	client *plugin.Client
}

// LoadPlugin starts the plugin binary at path and connects to it
func LoadPlugin(path string, logger hclog.Logger) (*PluginTarget, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to find plugin binary: %w", err)
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "action-plugin",
			Level:  hclog.Info,
			Output: os.Stderr,
		})
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginSet(nil),
		Cmd:              exec.Command(path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	target, ok := raw.(*RPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin type %T", raw)
	}

	return &PluginTarget{RPCClient: target, client: client}, nil
}

// Close kills the plugin process
func (p *PluginTarget) Close() {
	p.client.Kill()
}

// TargetPlugin is the go-plugin implementation for action targets
type TargetPlugin struct {
	Impl Target
}

func (p *TargetPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *TargetPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// RPCArgs carries one action across the plugin boundary
type RPCArgs struct {
	Verb       string
	Connection string
	TargetID   string
	Recording  bool
}

// RPCReply carries the action outcome back; Error is empty on success
type RPCReply struct {
	Error string
}

// RPCServer is the RPC server side, running inside the plugin process
type RPCServer struct {
	Impl Target
}

// Execute implements the RPC call for action execution
func (s *RPCServer) Execute(args RPCArgs, reply *RPCReply) error {
	ctx := context.Background()

	var err error
	switch args.Verb {
	case VerbScene:
		err = s.Impl.SwitchScene(ctx, args.Connection, args.TargetID)
	case VerbOverlay:
		err = s.Impl.ShowOverlay(ctx, args.Connection, args.TargetID)
	case VerbRecord:
		err = s.Impl.SetRecording(ctx, args.Connection, args.Recording)
	case VerbReplay:
		err = s.Impl.SaveReplay(ctx, args.Connection)
	default:
		err = fmt.Errorf("unknown verb %q", args.Verb)
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return nil
}

// RPCClient is the RPC client side; it implements Target
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) SwitchScene(ctx context.Context, connection, scene string) error {
	return c.call(ctx, RPCArgs{Verb: VerbScene, Connection: connection, TargetID: scene})
}

func (c *RPCClient) ShowOverlay(ctx context.Context, connection, overlay string) error {
	return c.call(ctx, RPCArgs{Verb: VerbOverlay, Connection: connection, TargetID: overlay})
}

func (c *RPCClient) SetRecording(ctx context.Context, connection string, recording bool) error {
	return c.call(ctx, RPCArgs{Verb: VerbRecord, Connection: connection, Recording: recording})
}

func (c *RPCClient) SaveReplay(ctx context.Context, connection string) error {
	return c.call(ctx, RPCArgs{Verb: VerbReplay, Connection: connection})
}

// call issues the RPC and gives up when ctx is done. net/rpc has no
// cancellation, so an abandoned call completes in the background.
func (c *RPCClient) call(ctx context.Context, args RPCArgs) error {
	var reply RPCReply
	call := c.client.Go("Plugin.Execute", args, &reply, make(chan *rpc.Call, 1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
	}
	if call.Error != nil {
		return fmt.Errorf("plugin call failed: %w", call.Error)
	}
	if reply.Error != "" {
		return fmt.Errorf("plugin error: %s", reply.Error)
	}
	return nil
}
