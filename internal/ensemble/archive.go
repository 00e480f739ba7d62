package ensemble

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"trendwatch/internal/domain"
	"trendwatch/internal/features"
)

// Archive layout, one folder per category inside a gzipped tarball:
//
//	manifest.json
//	<category>/model.json      topology descriptor
//	<category>/weights.bin     float32 LE, layer order W0 b0 W1 b1 ...
//	<category>/scaler.msgpack  fitted scaler parameters

// Manifest describes an archived ensemble.
type Manifest struct {
	Version    int       `json:"version"`
	Categories []string  `json:"categories"`
	FeatureLen int       `json:"feature_len"`
	CreatedAt  time.Time `json:"created_at"`
}

const manifestVersion = 1

// PackArchive serializes an ensemble into a gzipped tarball.
func PackArchive(models map[domain.Category]*ScoreModel) ([]byte, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("no models to archive")
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	manifest := Manifest{Version: manifestVersion, CreatedAt: time.Now().UTC()}
	for category, model := range models {
		manifest.Categories = append(manifest.Categories, string(category))
		manifest.FeatureLen = model.InputLen()
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeTarFile(tw, "manifest.json", manifestData); err != nil {
		return nil, err
	}

	for category, model := range models {
		topologyData, err := json.MarshalIndent(model.Network().Topology(), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal topology for %s: %w", category, err)
		}
		if err := writeTarFile(tw, path.Join(string(category), "model.json"), topologyData); err != nil {
			return nil, err
		}

		if err := writeTarFile(tw, path.Join(string(category), "weights.bin"),
			encodeWeights(model.Network())); err != nil {
			return nil, err
		}

		scalerData, err := msgpack.Marshal(model.Scaler().Params())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal scaler for %s: %w", category, err)
		}
		if err := writeTarFile(tw, path.Join(string(category), "scaler.msgpack"), scalerData); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress archive: %w", err)
	}

	return buf.Bytes(), nil
}

// UnpackArchive restores an ensemble from a gzipped tarball produced by
// PackArchive.
func UnpackArchive(data []byte) (map[domain.Category]Model, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	type partial struct {
		topology *Topology
		weights  []byte
		scaler   *features.ScalerParams
	}
	parts := make(map[string]*partial)

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", header.Name, err)
		}

		dir, file := path.Split(header.Name)
		category := strings.TrimSuffix(dir, "/")
		if category == "" {
			continue
		}
		p, ok := parts[category]
		if !ok {
			p = &partial{}
			parts[category] = p
		}

		switch file {
		case "model.json":
			var topology Topology
			if err := json.Unmarshal(content, &topology); err != nil {
				return nil, fmt.Errorf("invalid topology for %s: %w", category, err)
			}
			p.topology = &topology
		case "weights.bin":
			p.weights = content
		case "scaler.msgpack":
			var params features.ScalerParams
			if err := msgpack.Unmarshal(content, &params); err != nil {
				return nil, fmt.Errorf("invalid scaler for %s: %w", category, err)
			}
			p.scaler = &params
		}
	}

	models := make(map[domain.Category]Model, len(parts))
	for category, p := range parts {
		if p.topology == nil || p.weights == nil || p.scaler == nil {
			return nil, fmt.Errorf("archive entry for %s is incomplete", category)
		}

		network, err := NewNetwork(*p.topology, time.Now().UnixNano())
		if err != nil {
			return nil, fmt.Errorf("invalid network for %s: %w", category, err)
		}
		if err := decodeWeights(network, p.weights); err != nil {
			return nil, fmt.Errorf("invalid weights for %s: %w", category, err)
		}

		if len(p.scaler.Min) != p.topology.InputLen || len(p.scaler.Max) != p.topology.InputLen {
			return nil, fmt.Errorf("scaler width for %s does not match network input", category)
		}
		scaler := features.NewMinMaxScaler()
		scaler.SetParams(*p.scaler)

		models[domain.Category(category)] = NewScoreModel(domain.Category(category), network, scaler)
	}

	if len(models) == 0 {
		return nil, fmt.Errorf("archive holds no models")
	}
	return models, nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// encodeWeights flattens all parameters as little-endian float32, layer by
// layer, weights before biases.
func encodeWeights(n *Network) []byte {
	var buf bytes.Buffer
	for l := range n.weights {
		writeFloats(&buf, n.weights[l].RawMatrix().Data)
		writeFloats(&buf, n.biases[l].RawVector().Data)
	}
	return buf.Bytes()
}

func decodeWeights(n *Network, data []byte) error {
	offset := 0
	read := func(dst []float64) error {
		need := len(dst) * 4
		if offset+need > len(data) {
			return fmt.Errorf("weights truncated: need %d bytes at offset %d, have %d",
				need, offset, len(data))
		}
		for i := range dst {
			bits := binary.LittleEndian.Uint32(data[offset+i*4:])
			dst[i] = float64(math.Float32frombits(bits))
		}
		offset += need
		return nil
	}

	for l := range n.weights {
		if err := read(n.weights[l].RawMatrix().Data); err != nil {
			return err
		}
		if err := read(n.biases[l].RawVector().Data); err != nil {
			return err
		}
	}
	if offset != len(data) {
		return fmt.Errorf("weights have %d trailing bytes", len(data)-offset)
	}
	return nil
}

func writeFloats(buf *bytes.Buffer, values []float64) {
	scratch := make([]byte, 4)
	for _, v := range values {
		binary.LittleEndian.PutUint32(scratch, math.Float32bits(float32(v)))
		buf.Write(scratch)
	}
}
