package zmq

import (
	"fmt"
	"maps"
	"slices"

	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

type Listeners map[Topic]func(gson []byte) error

func (l Listeners) Topics() []Topic {
	return slices.Sorted(maps.Keys(l))
}

func DecoderCallback[T any](cb func(T)) func(gson []byte) error {
	return func(gson []byte) error {
		var v T
		if err := utils.UnmarshalJSON(gson, &v); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		cb(v)
		return nil
	}
}

type MinimalBlockAdded struct {
	Hash      string `json:"hash"`
	DaaScore  uint64 `json:"daaScore"`
	BlueScore uint64 `json:"blueScore"`
}

type MinimalVirtualDaaChanged struct {
	VirtualDaaScore uint64 `json:"virtualDaaScore"`
}

func DecoderMinimalBlockAdded(cb func(*MinimalBlockAdded)) func(gson []byte) error {
	return DecoderCallback(cb)
}

func DecoderMinimalVirtualDaaChanged(cb func(*MinimalVirtualDaaChanged)) func(gson []byte) error {
	return DecoderCallback(cb)
}

// NotifyListeners calls notify on every block-added event, for template refetch triggers.
func NotifyListeners(notify func()) Listeners {
	return Listeners{
		TopicBlockAdded: DecoderMinimalBlockAdded(func(block *MinimalBlockAdded) {
			utils.Debugf("ZMQ", "block added %s daa score %d", block.Hash, block.DaaScore)
			notify()
		}),
	}
}
