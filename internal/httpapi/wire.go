package httpapi

import (
	"time"

	"github.com/anfivewer/an5wer-sub001/internal/collections"
	"github.com/anfivewer/an5wer-sub001/internal/keycodec"
)

type collectionJSON struct {
	Name               string                  `json:"name"`
	IsManual           bool                    `json:"isManual"`
	GenerationID       string                  `json:"generationId"`
	NextGenerationID   *string                 `json:"nextGenerationId,omitempty"`
	NextGenerationKeys []keycodec.EncodedValue `json:"nextGenerationKeys"`
}

type itemJSON struct {
	Key          keycodec.EncodedValue  `json:"key"`
	Value        *keycodec.EncodedValue `json:"value"`
	GenerationID string                 `json:"generationId"`
}

type pageJSON struct {
	GenerationID string     `json:"generationId"`
	Items        []itemJSON `json:"items"`
	CursorID     string     `json:"cursorId,omitempty"`
}

type readerJSON struct {
	ReaderID           string    `json:"readerId"`
	Collection         string    `json:"collection"`
	FollowedCollection string    `json:"followedCollection"`
	GenerationID       *string   `json:"generationId"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type phantomJSON struct {
	PhantomID  string    `json:"phantomId"`
	Collection string    `json:"collection"`
	ReaderID   string    `json:"readerId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type putItemJSON struct {
	Key   keycodec.EncodedValue  `json:"key"`
	Value *keycodec.EncodedValue `json:"value"`
}

// encodeText renders canonical text in the encoding a client asked for.
func encodeText(text, encoding string) keycodec.EncodedValue {
	v := keycodec.FromText(text)
	if encoding != keycodec.Base64 {
		return v
	}
	encoded, err := keycodec.ToBase64(v)
	if err != nil {
		return v
	}
	return encoded
}

func toCollectionJSON(c collections.Collection, encoding string) collectionJSON {
	keys := make([]keycodec.EncodedValue, 0, len(c.NextGenerationKeys))
	for _, k := range c.NextGenerationKeys {
		keys = append(keys, encodeText(k, encoding))
	}
	return collectionJSON{
		Name:               c.Name,
		IsManual:           c.IsManual(),
		GenerationID:       c.GenerationID,
		NextGenerationID:   c.NextGenerationID,
		NextGenerationKeys: keys,
	}
}

func toPageJSON(page collections.Page, encoding string) pageJSON {
	items := make([]itemJSON, 0, len(page.Items))
	for _, item := range page.Items {
		out := itemJSON{Key: encodeText(item.Key, encoding), GenerationID: item.GenerationID}
		if item.Value != nil {
			v := encodeText(*item.Value, encoding)
			out.Value = &v
		}
		items = append(items, out)
	}
	return pageJSON{GenerationID: page.GenerationID, Items: items, CursorID: page.CursorID}
}

func toReaderJSON(r collections.Reader) readerJSON {
	return readerJSON{
		ReaderID:           r.ID,
		Collection:         r.Collection,
		FollowedCollection: r.FollowedCollection,
		GenerationID:       r.GenerationID,
		UpdatedAt:          r.UpdatedAt,
	}
}

func toPhantomJSON(p collections.Phantom) phantomJSON {
	return phantomJSON{
		PhantomID:  p.ID,
		Collection: p.Collection,
		ReaderID:   p.Options.ReaderID,
		ExpiresAt:  p.ExpiresAt,
	}
}

// decodeItems converts wire items to canonical text.
func decodeItems(in []putItemJSON) ([]collections.KeyValue, error) {
	out := make([]collections.KeyValue, 0, len(in))
	for _, item := range in {
		key, err := keycodec.ToCanonicalText(item.Key)
		if err != nil {
			return nil, err
		}
		kv := collections.KeyValue{Key: key}
		if item.Value != nil {
			value, err := keycodec.ToCanonicalText(*item.Value)
			if err != nil {
				return nil, err
			}
			kv.Value = &value
		}
		out = append(out, kv)
	}
	return out, nil
}
