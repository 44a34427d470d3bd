package gguf

import (
	"fmt"
	"math"
	"sort"
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture    string
	ModelName       string
	Version         uint32
	KVCount         int
	TensorCount     int
	TotalParameters int64
	MemoryEstimate  int64
	TypeCounts      map[string]int
}

func (a *MetadataAnalyzer) Analyze() (*AnalysisReport, error) {
	report := &AnalysisReport{
		Version:     a.file.Header.Version,
		KVCount:     len(a.file.KV),
		TensorCount: len(a.file.Tensors),
		TypeCounts:  make(map[string]int),
	}

	if arch, ok := a.file.KV["general.architecture"].(string); ok {
		report.Architecture = arch
	}
	if name, ok := a.file.KV["general.name"].(string); ok {
		report.ModelName = name
	}

	for _, t := range a.file.Tensors {
		report.TotalParameters += int64(t.NumElements())
		report.TypeCounts[t.Type.String()]++
		if size := t.SizeBytes(); size > 0 {
			report.MemoryEstimate += int64(size)
		} else {
			report.MemoryEstimate += int64(t.NumElements()) * 4
		}
	}

	return report, nil
}

func (r *AnalysisReport) String() string {
	types := make([]string, 0, len(r.TypeCounts))
	for t := range r.TypeCounts {
		types = append(types, t)
	}
	sort.Strings(types)
	typeSummary := ""
	for i, t := range types {
		if i > 0 {
			typeSummary += ", "
		}
		typeSummary += fmt.Sprintf("%s=%d", t, r.TypeCounts[t])
	}

	return fmt.Sprintf(`GGUF Checkpoint Report
======================
Architecture:     %s
Model Name:       %s
GGUF Version:     %d
Metadata Keys:    %d
Total Tensors:    %d
Tensor Types:     %s
Total Parameters: %d
Memory Estimate:  %.2f MB
`,
		r.Architecture,
		r.ModelName,
		r.Version,
		r.KVCount,
		r.TensorCount,
		typeSummary,
		r.TotalParameters,
		float64(r.MemoryEstimate)/1e6,
	)
}

// ValidateTensors reports tensors whose type cannot be sized or whose data
// overlaps the previous tensor.
func (a *MetadataAnalyzer) ValidateTensors() []string {
	var issues []string

	sorted := make([]*TensorInfo, len(a.file.Tensors))
	copy(sorted, a.file.Tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var end uint64
	for i, t := range sorted {
		size := t.SizeBytes()
		if size == 0 {
			issues = append(issues, fmt.Sprintf("tensor %s: unknown size for type %s", t.Name, t.Type))
		}
		if i > 0 && t.Offset < end {
			issues = append(issues, fmt.Sprintf("tensor %s: offset %d overlaps previous tensor ending at %d", t.Name, t.Offset, end))
		}
		if t.Offset%DefaultAlignment != 0 {
			issues = append(issues, fmt.Sprintf("tensor %s: offset %d is not %d-byte aligned", t.Name, t.Offset, DefaultAlignment))
		}
		end = t.Offset + size
	}

	return issues
}

func (a *MetadataAnalyzer) FindMissingTensors(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := a.file.Tensor(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

type TensorStats struct {
	Name         string
	Type         string
	Dimensions   []uint64
	ElementCount uint64
	SizeBytes    uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	NaNCount     int
	InfCount     int
}

func (a *MetadataAnalyzer) ComputeStats(tensorName string) (*TensorStats, error) {
	t, ok := a.file.Tensor(tensorName)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", tensorName)
	}

	stats := &TensorStats{
		Name:         t.Name,
		Type:         t.Type.String(),
		Dimensions:   t.Dimensions,
		ElementCount: t.NumElements(),
		SizeBytes:    t.SizeBytes(),
		MinValue:     math.Inf(1),
		MaxValue:     math.Inf(-1),
	}

	values, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	finite := 0
	sum := 0.0
	for _, v := range values {
		switch {
		case math.IsNaN(v):
			stats.NaNCount++
		case math.IsInf(v, 0):
			stats.InfCount++
		default:
			finite++
			sum += v
			stats.MinValue = math.Min(stats.MinValue, v)
			stats.MaxValue = math.Max(stats.MaxValue, v)
		}
	}
	if finite > 0 {
		stats.MeanValue = sum / float64(finite)
	} else {
		stats.MinValue, stats.MaxValue = 0, 0
	}
	return stats, nil
}
