package modules

import (
	"regexp"

	"github.com/roach88/evidence/internal/ir"
)

var channelPattern = regexp.MustCompile(`^[a-z0-9_.-]{1,64}$`)

const maxBodyBytes = 1024

// ChannelKey is the partition holding a chat channel's message log.
func ChannelKey(channel string) ir.PartitionKey {
	return ir.PartitionKey("chat:" + channel)
}

var chatPost = Handler{
	Route: ir.Route{Module: "chat", Action: "post"},
	Footprint: func(p ir.Object) (Footprint, error) {
		channel, err := str(p, "channel")
		if err != nil {
			return Footprint{}, err
		}
		if !channelPattern.MatchString(channel) {
			return Footprint{}, invalid("invalid channel %q", channel)
		}
		sender, err := account(p, "sender")
		if err != nil {
			return Footprint{}, err
		}
		body, err := str(p, "body")
		if err != nil {
			return Footprint{}, err
		}
		if body == "" || len(body) > maxBodyBytes {
			return Footprint{}, invalid("body must be 1..%d bytes", maxBodyBytes)
		}
		return Footprint{Payer: sender, Partitions: []ir.PartitionKey{ChannelKey(channel)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		channel := strField(p, "channel")
		log := env.View.Partition(ChannelKey(channel))

		messages := arrField(log, "messages")
		messages = append(messages, ir.Object{
			"n":      ir.Int(len(messages) + 1),
			"sender": p["sender"],
			"body":   p["body"],
		})
		log["messages"] = messages
		return Effects{Delta: map[ir.PartitionKey]ir.Object{ChannelKey(channel): log}}, nil
	},
}
