package ribosome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// ExampleDnaName is the DNA name the example ribosome is registered under.
const ExampleDnaName = "posts"

// Post is the single entry type of the example zome.
type Post struct {
	Value string `json:"value"`
}

var (
	postType        = types.AppEntryType(0, 0, types.Public)
	privatePostType = types.AppEntryType(0, 1, types.Private)
)

// Example returns a ribosome with one "posts" zome. Its validation rejects
// posts whose value is "nope" with that reason.
func Example() *Inline {
	return NewInline(Zome{
		Name: "posts",
		Functions: map[string]ZomeFn{
			"create":         createPost(postType),
			"create_private": createPost(privatePostType),
			"get":            getPost,
			"update":         updatePost,
			"delete":         deletePost,
			"link":           linkPosts,
			"get_links":      getLinks,
		},
		Validate: validatePost,
	})
}

type hashArg struct {
	Hash hash.Hash `json:"hash"`
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func createPost(et types.EntryType) ZomeFn {
	return func(ctx context.Context, host Host, payload []byte) ([]byte, error) {
		var p Post
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		body, _ := json.Marshal(p)
		h, err := host.Create(ctx, et, types.NewAppEntry(body))
		if err != nil {
			return nil, err
		}
		return json.Marshal(h)
	}
}

func getPost(ctx context.Context, host Host, payload []byte) ([]byte, error) {
	var arg hashArg
	if err := decode(payload, &arg); err != nil {
		return nil, err
	}
	rec, err := host.Get(ctx, arg.Hash)
	if errors.Is(err, store.ErrNotFound) {
		return json.Marshal(nil)
	}
	if err != nil {
		return nil, err
	}
	if rec.Entry == nil {
		return json.Marshal(nil)
	}
	var p Post
	if err := json.Unmarshal(rec.Entry.Bytes, &p); err != nil {
		return nil, fmt.Errorf("decode post: %w", err)
	}
	return json.Marshal(p)
}

func updatePost(ctx context.Context, host Host, payload []byte) ([]byte, error) {
	var arg struct {
		Original hash.Hash `json:"original"`
		Value    string    `json:"value"`
	}
	if err := decode(payload, &arg); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(Post{Value: arg.Value})
	h, err := host.Update(ctx, arg.Original, types.NewAppEntry(body))
	if err != nil {
		return nil, err
	}
	return json.Marshal(h)
}

func deletePost(ctx context.Context, host Host, payload []byte) ([]byte, error) {
	var arg hashArg
	if err := decode(payload, &arg); err != nil {
		return nil, err
	}
	h, err := host.Delete(ctx, arg.Hash)
	if err != nil {
		return nil, err
	}
	return json.Marshal(h)
}

func linkPosts(ctx context.Context, host Host, payload []byte) ([]byte, error) {
	var arg struct {
		Base   hash.Hash `json:"base"`
		Target hash.Hash `json:"target"`
		Tag    string    `json:"tag"`
	}
	if err := decode(payload, &arg); err != nil {
		return nil, err
	}
	h, err := host.CreateLink(ctx, arg.Base, arg.Target, 0, []byte(arg.Tag))
	if err != nil {
		return nil, err
	}
	return json.Marshal(h)
}

func getLinks(ctx context.Context, host Host, payload []byte) ([]byte, error) {
	var arg struct {
		Base hash.Hash `json:"base"`
		Tag  string    `json:"tag"`
	}
	if err := decode(payload, &arg); err != nil {
		return nil, err
	}
	links, err := host.GetLinks(ctx, arg.Base, []byte(arg.Tag))
	if err != nil {
		return nil, err
	}
	targets := make([]hash.Hash, len(links))
	for i, l := range links {
		targets[i] = l.Target
	}
	return json.Marshal(targets)
}

func validatePost(ctx context.Context, op *types.Op, f Fetcher) error {
	a := op.Action()
	if a.Type == types.ActionUpdate {
		if _, err := f.MustGetAction(ctx, *a.OriginalAction); err != nil {
			return err
		}
	}
	if op.Entry == nil || op.Entry.Kind != types.EntryApp {
		return nil
	}
	var p Post
	if err := json.Unmarshal(op.Entry.Bytes, &p); err != nil {
		return fmt.Errorf("malformed post: %v", err)
	}
	if p.Value == "nope" {
		return errors.New("nope")
	}
	return nil
}
