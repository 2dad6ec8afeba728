package decode

// DepthParams are the tuning constants of the depth pipeline. The defaults
// match the sensor's reference processing chain; they rarely need
// adjustment beyond the depth range and filter toggles in Config.
type DepthParams struct {
	// Amplitude scaling.
	ABMultiplier       float32
	ABMultiplierPerFrq [3]float32
	ABOutputMultiplier float32

	// Phase offsets of the three raw measurements per modulation
	// frequency, radians.
	PhaseInRad [3]float32

	// Joint bilateral filter (stage 1).
	JointBilateralABThreshold float32
	JointBilateralMaxEdge     float32
	JointBilateralExp         float32
	GaussianKernel            [9]float32

	// Phase unwrapping (stage 2).
	PhaseOffset           float32
	UnambiguousDist       float32
	IndividualABThreshold float32
	ABThreshold           float32
	ABConfidenceSlope     float32
	ABConfidenceOffset    float32
	MinDealiasConfidence  float32
	MaxDealiasConfidence  float32

	// Edge-aware filter (stage 2 post).
	EdgeABAvgMinValue       float32
	EdgeABStdDevThreshold   float32
	EdgeCloseDeltaThreshold float32
	EdgeFarDeltaThreshold   float32
	EdgeMaxDeltaThreshold   float32
	EdgeAvgDeltaThreshold   float32
	MaxEdgeCount            float32

	// Kernel density estimation unwrapping (KDE backend only).
	KDESigmaSqr               float32
	KDENeighborhoodSize       int
	KDEThreshold              float32
	UnwrappingLikelihoodScale float32
	PhaseConfidenceScale      float32
	NumHyps                   int
}

// DefaultDepthParams returns the reference tuning of the depth pipeline.
func DefaultDepthParams() DepthParams {
	return DepthParams{
		ABMultiplier:       0.6666667,
		ABMultiplierPerFrq: [3]float32{1.322581, 1.0, 1.612903},
		ABOutputMultiplier: 16.0,

		PhaseInRad: [3]float32{0.0, 2.094395, 4.18879},

		JointBilateralABThreshold: 3.0,
		JointBilateralMaxEdge:     2.5,
		JointBilateralExp:         5.0,
		GaussianKernel: [9]float32{
			0.1069973, 0.1131098, 0.1069973,
			0.1131098, 0.1195716, 0.1131098,
			0.1069973, 0.1131098, 0.1069973,
		},

		PhaseOffset:           0.0,
		UnambiguousDist:       2083.333,
		IndividualABThreshold: 3.0,
		ABThreshold:           10.0,
		ABConfidenceSlope:     -0.5330578,
		ABConfidenceOffset:    0.7694894,
		MinDealiasConfidence:  0.3490659,
		MaxDealiasConfidence:  0.6108653,

		EdgeABAvgMinValue:       50.0,
		EdgeABStdDevThreshold:   0.05,
		EdgeCloseDeltaThreshold: 50.0,
		EdgeFarDeltaThreshold:   30.0,
		EdgeMaxDeltaThreshold:   100.0,
		EdgeAvgDeltaThreshold:   0.0,
		MaxEdgeCount:            5.0,

		KDESigmaSqr:               0.0239282227,
		KDENeighborhoodSize:       5,
		KDEThreshold:              0.5,
		UnwrappingLikelihoodScale: 2.0,
		PhaseConfidenceScale:      3.0,
		NumHyps:                   2,
	}
}

// Config are the user-facing depth processing options.
type Config struct {
	// MinDepth and MaxDepth clip the output range, millimeters.
	MinDepth float32
	MaxDepth float32

	EnableBilateralFilter bool
	EnableEdgeAwareFilter bool
}

// DefaultConfig returns the processing options used when none are given.
func DefaultConfig() Config {
	return Config{
		MinDepth:              500.0,
		MaxDepth:              4500.0,
		EnableBilateralFilter: true,
		EnableEdgeAwareFilter: true,
	}
}
