package workload

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/layoutbench/layoutbench/internal/config"
)

// DuckDBCountCommand counts the rows a SQL statement read from stdin returns.
const DuckDBCountCommand = `duckdb -noheader -list -c "SELECT count(*) FROM ($(sed 's/;[[:space:]]*$//'))"`

// tpchMaterializeCommand generates TPC-H at {scale} and exports the fully
// joined lineitem fact table as one parquet file.
const tpchMaterializeCommand = `duckdb -c "INSTALL tpch; LOAD tpch; CALL dbgen(sf={scale}); ` +
	`COPY (SELECT * FROM customer, lineitem, nation, orders, part, partsupp, region, supplier WHERE ` +
	`c_custkey = o_custkey AND n_nationkey = c_nationkey AND n_nationkey = s_nationkey AND ` +
	`o_orderkey = l_orderkey AND p_partkey = ps_partkey AND ps_partkey = l_partkey AND ` +
	`ps_suppkey = l_suppkey AND r_regionkey = n_regionkey AND s_suppkey = ps_suppkey) ` +
	`TO '{dir}/{id}.parquet' (FORMAT PARQUET)"`

var scaleRe = regexp.MustCompile(`^(.+)-sf(\d+)$`)

// FamilyOf returns the query family of a dataset id: tpch-sf10 is tpch.
func FamilyOf(name string) string {
	if m := scaleRe.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}

// ScaleFactor returns the -sfN suffix of a dataset id.
func ScaleFactor(name string) (string, bool) {
	if m := scaleRe.FindStringSubmatch(name); m != nil {
		return m[2], true
	}
	return "", false
}

// Builtin returns the built-in definition of a dataset id. Any tpch-sfN id
// resolves to the TPC-H definition at that scale.
func Builtin(name string) (config.WorkloadConfig, bool) {
	switch FamilyOf(name) {
	case "tpch":
		if _, ok := ScaleFactor(name); !ok {
			return config.WorkloadConfig{}, false
		}
		cfg := tpch()
		cfg.Name = name
		return cfg, true
	case "taxi":
		if name != "taxi" {
			return config.WorkloadConfig{}, false
		}
		return taxi(), true
	case "osm":
		if name != "osm" {
			return config.WorkloadConfig{}, false
		}
		return osm(), true
	}
	return config.WorkloadConfig{}, false
}

func tpch() config.WorkloadConfig {
	return config.WorkloadConfig{
		Family:             "tpch",
		MaterializeCommand: tpchMaterializeCommand,
		CountCommand:       DuckDBCountCommand,
		GeneratorCommand:   "DSS_QUERY=. ./qgen {template}",
		Templates:          []string{"3", "5", "6", "10", "12", "14", "19"},
		QueriesPerTemplate: 10,
		MinSelectivity:     0,
		MaxSelectivity:     50,
		SelectivityDigits:  4,
		ColumnGroups: [][]string{
			{"c_custkey", "o_orderkey"},
			{"c_custkey", "o_orderkey", "o_orderdate"},
			{"c_custkey", "o_orderkey", "o_orderdate", "l_shipdate"},
		},
		QueryColumns: map[string][]string{
			"3": {"l_suppkey", "o_orderkey", "c_custkey", "s_suppkey", "s_nationkey", "o_orderdate", "c_nationkey",
				"l_orderkey", "o_custkey", "n_nationkey", "n_regionkey", "r_name", "r_regionkey"},
			"5":  {"o_orderkey", "c_custkey", "o_orderdate", "l_orderkey", "o_custkey", "c_mktsegment", "l_shipdate"},
			"6":  {"l_shipdate", "l_quantity", "l_discount"},
			"10": {"o_orderkey", "o_orderdate", "c_custkey", "l_returnflag", "c_nationkey", "l_orderkey", "o_custkey", "n_nationkey"},
			"12": {"l_shipmode", "o_orderkey", "l_receiptdate", "l_commitdate", "l_orderkey", "l_shipdate"},
			"14": {"p_partkey", "l_shipdate", "l_partkey"},
			"19": {"p_partkey", "p_brand", "p_container", "l_quantity", "l_shipmode", "l_shipinstruct"},
		},
		Selectivities: map[string]float64{
			"3a": 0.2397, "5a": 0.001, "6a": 0.0002, "10a": 0.7382,
			"12a": 0.0004, "14a": 0.0002, "19a": 0.0002,
		},
	}
}

var taxiColumns = []string{
	"PULocationID", "DOLocationID", "tpep_pickup_datetime", "tpep_dropoff_datetime",
	"passenger_count", "fare_amount", "trip_distance",
}

func taxi() config.WorkloadConfig {
	var urls []string
	for year := 2018; year <= 2019; year++ {
		for month := 1; month <= 12; month++ {
			urls = append(urls, fmt.Sprintf(
				"https://d37ci6vzurychx.cloudfront.net/trip-data/yellow_tripdata_%d-%02d.parquet", year, month))
		}
	}
	return config.WorkloadConfig{
		Name:               "taxi",
		Family:             "taxi",
		DownloadURLs:       urls,
		CountCommand:       DuckDBCountCommand,
		Templates:          templateIDs(7),
		QueriesPerTemplate: 500,
		MinSelectivity:     0.001,
		MaxSelectivity:     5,
		SelectivityDigits:  4,
		Placeholders:       pairedPlaceholders(taxiColumns),
		ValueRanges: map[string]config.ValueRange{
			"PULocationID":          {Min: 1, Max: 265},
			"DOLocationID":          {Min: 1, Max: 265},
			"tpep_pickup_datetime":  {Start: "2018-01-01", End: "2018-01-31"},
			"tpep_dropoff_datetime": {Start: "2018-01-01", End: "2018-01-31"},
			"passenger_count":       {Min: 1, Max: 8},
			"fare_amount":           {Min: 0, Max: 500},
			"trip_distance":         {Min: 1, Max: 50},
		},
		ColumnGroups: cumulativeGroups(taxiColumns, 2),
		QueryColumns: cumulativeQueryColumns(taxiColumns),
		Selectivities: map[string]float64{
			"1a": 0.0019, "1b": 0.0246, "1c": 0.1733, "1d": 0.8217,
			"1e": 1.0819, "1f": 2.2285, "1g": 3.6278, "1h": 4.9007,
			"2a": 0.0025, "2b": 0.0606, "2c": 0.1709, "2d": 0.5399,
			"2e": 0.7789, "2f": 1.0238, "2g": 2.0985, "2h": 4.0018,
		},
	}
}

var osmColumns = []string{"min_lon", "max_lon", "min_lat", "max_lat", "created_at", "version", "id"}

func osm() config.WorkloadConfig {
	return config.WorkloadConfig{
		Name:   "osm",
		Family: "osm",
		S3Source: &config.S3SourceConfig{
			Bucket: "daylight-openstreetmap",
			Prefix: "parquet/osm_features/release=v1.33/type=node/",
			Region: "us-west-2",
		},
		CountCommand:       DuckDBCountCommand,
		Templates:          templateIDs(7),
		QueriesPerTemplate: 500,
		MinSelectivity:     0.001,
		MaxSelectivity:     5,
		SelectivityDigits:  4,
		Placeholders:       pairedPlaceholders(osmColumns),
		ValueRanges: map[string]config.ValueRange{
			"min_lon":    {Min: -180, Max: 180},
			"max_lon":    {Min: -180, Max: 180},
			"min_lat":    {Min: -90, Max: 90},
			"max_lat":    {Min: -90, Max: 90},
			"created_at": {Start: "2006-01-22", End: "2023-10-12"},
			"version":    {Min: 1, Max: 10},
			"id":         {Min: 1, Max: 11258692953},
		},
		ColumnGroups: cumulativeGroups(osmColumns, 2),
		QueryColumns: cumulativeQueryColumns(osmColumns),
		Selectivities: map[string]float64{
			"1a": 0.0033, "1b": 0.1094, "1c": 0.5201, "1d": 0.8618,
			"1e": 1.0721, "1f": 2.546, "1g": 3.4608, "1h": 4.0016,
			"2a": 0.0162, "2b": 0.0607, "2c": 0.3349, "2d": 0.7068,
			"2e": 1.1003, "2f": 2.1587, "2g": 3.8019, "2h": 4.467,
			"3a": 0.0029, "3b": 0.0338, "3c": 0.1541, "3d": 0.5008,
			"3e": 1.1421, "3f": 2.2412, "3g": 3.6538, "3h": 4.9437,
			"4a": 0.0057, "4b": 0.0646, "4c": 0.1184, "4d": 0.3392,
			"4e": 0.9463, "4f": 2.5242, "4g": 3.4772, "4h": 4.9675,
			"5a": 0.003, "5b": 0.0174, "5c": 0.0597, "5d": 0.1001,
			"5e": 0.2727, "5f": 0.6745, "5g": 1.0442, "5h": 1.2705,
			"6a": 0.0014, "6b": 0.0053, "6c": 0.0077, "6d": 0.0124,
			"6e": 0.0242, "6f": 0.0414, "6g": 0.0686, "6h": 0.1856,
			"7a": 0.0023, "7b": 0.02, "7c": 0.049, "7d": 0.0049,
			"7e": 0.0164, "7f": 0.0521, "7g": 0.1047, "7h": 0.1744,
		},
	}
}

// templateIDs returns "1".."n".
func templateIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	return ids
}

// pairedPlaceholders maps placeholders 2i+1 and 2i+2 to the i-th column:
// each column contributes a lower and an upper bound.
func pairedPlaceholders(cols []string) map[string]string {
	m := make(map[string]string, 2*len(cols))
	for i, c := range cols {
		m[strconv.Itoa(2*i+1)] = c
		m[strconv.Itoa(2*i+2)] = c
	}
	return m
}

// cumulativeGroups returns the prefixes of cols of length min..len(cols).
func cumulativeGroups(cols []string, min int) [][]string {
	var groups [][]string
	for n := min; n <= len(cols); n++ {
		groups = append(groups, append([]string(nil), cols[:n]...))
	}
	return groups
}

// cumulativeQueryColumns maps template n to the first n columns.
func cumulativeQueryColumns(cols []string) map[string][]string {
	m := make(map[string][]string, len(cols))
	for n := 1; n <= len(cols); n++ {
		m[strconv.Itoa(n)] = append([]string(nil), cols[:n]...)
	}
	return m
}
