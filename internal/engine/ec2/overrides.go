package ec2

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/ec2runner/internal/bootscript"
)

// Overrides is the free-form part of the launch configuration: a YAML
// document using RunInstances parameter names.  The schema is closed --
// unknown keys are rejected at parse time so a typo fails the run
// instead of being silently ignored.
//
// Merging is shallow: every field present in the document replaces the
// corresponding RunInstances field as a whole, including fields set from
// defaults or discrete configuration.
type Overrides struct {
	ImageID                           *string                `yaml:"ImageId"`
	InstanceType                      *string                `yaml:"InstanceType"`
	MinCount                          *int32                 `yaml:"MinCount"`
	MaxCount                          *int32                 `yaml:"MaxCount"`
	KeyName                           *string                `yaml:"KeyName"`
	SubnetID                          *string                `yaml:"SubnetId"`
	SecurityGroupIDs                  []string               `yaml:"SecurityGroupIds"`
	UserData                          *string                `yaml:"UserData"`
	EbsOptimized                      *bool                  `yaml:"EbsOptimized"`
	InstanceInitiatedShutdownBehavior *string                `yaml:"InstanceInitiatedShutdownBehavior"`
	IamInstanceProfile                *IamInstanceProfile    `yaml:"IamInstanceProfile"`
	LaunchTemplate                    *LaunchTemplate        `yaml:"LaunchTemplate"`
	Placement                         *Placement             `yaml:"Placement"`
	MetadataOptions                   *MetadataOptions       `yaml:"MetadataOptions"`
	InstanceMarketOptions             *InstanceMarketOptions `yaml:"InstanceMarketOptions"`
	CreditSpecification               *CreditSpecification   `yaml:"CreditSpecification"`
	BlockDeviceMappings               []BlockDeviceMapping   `yaml:"BlockDeviceMappings"`
	TagSpecifications                 []TagSpecification     `yaml:"TagSpecifications"`
}

// IamInstanceProfile selects an instance profile by name or ARN.
type IamInstanceProfile struct {
	Name *string `yaml:"Name"`
	Arn  *string `yaml:"Arn"`
}

// LaunchTemplate references a stored launch template.
type LaunchTemplate struct {
	LaunchTemplateID   *string `yaml:"LaunchTemplateId"`
	LaunchTemplateName *string `yaml:"LaunchTemplateName"`
	Version            *string `yaml:"Version"`
}

// Placement pins the instance to an availability zone or tenancy.
type Placement struct {
	AvailabilityZone *string `yaml:"AvailabilityZone"`
	Tenancy          string  `yaml:"Tenancy"`
}

// MetadataOptions configures the instance metadata service.
type MetadataOptions struct {
	HttpEndpoint            string `yaml:"HttpEndpoint"`
	HttpTokens              string `yaml:"HttpTokens"`
	HttpPutResponseHopLimit *int32 `yaml:"HttpPutResponseHopLimit"`
	InstanceMetadataTags    string `yaml:"InstanceMetadataTags"`
}

// InstanceMarketOptions requests spot (or capacity block) capacity.
type InstanceMarketOptions struct {
	MarketType  string       `yaml:"MarketType"`
	SpotOptions *SpotOptions `yaml:"SpotOptions"`
}

// SpotOptions tunes a spot request.
type SpotOptions struct {
	MaxPrice                     *string `yaml:"MaxPrice"`
	SpotInstanceType             string  `yaml:"SpotInstanceType"`
	InstanceInterruptionBehavior string  `yaml:"InstanceInterruptionBehavior"`
}

// CreditSpecification sets the CPU credit option for burstable types.
type CreditSpecification struct {
	CpuCredits *string `yaml:"CpuCredits"`
}

// BlockDeviceMapping attaches a volume at launch.
type BlockDeviceMapping struct {
	DeviceName *string         `yaml:"DeviceName"`
	Ebs        *EbsBlockDevice `yaml:"Ebs"`
}

// EbsBlockDevice describes an EBS volume.
type EbsBlockDevice struct {
	VolumeSize          *int32  `yaml:"VolumeSize"`
	VolumeType          string  `yaml:"VolumeType"`
	Iops                *int32  `yaml:"Iops"`
	Throughput          *int32  `yaml:"Throughput"`
	Encrypted           *bool   `yaml:"Encrypted"`
	KmsKeyID            *string `yaml:"KmsKeyId"`
	DeleteOnTermination *bool   `yaml:"DeleteOnTermination"`
}

// TagSpecification tags resources created by the launch.
type TagSpecification struct {
	ResourceType string `yaml:"ResourceType"`
	Tags         []Tag  `yaml:"Tags"`
}

// Tag is a single key/value pair.
type Tag struct {
	Key   string `yaml:"Key"`
	Value string `yaml:"Value"`
}

// ParseOverrides decodes and validates an override document.  An empty
// (or comment-only) document yields empty overrides.
func ParseOverrides(doc string) (*Overrides, error) {
	o := &Overrides{}
	if strings.TrimSpace(doc) == "" {
		return o, nil
	}

	dec := yaml.NewDecoder(strings.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(o); err != nil {
		if errors.Is(err, io.EOF) {
			return o, nil
		}
		return nil, fmt.Errorf("parsing overrides: %w", err)
	}

	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("validating overrides: %w", err)
	}
	return o, nil
}

func (o *Overrides) validate() error {
	if o.MinCount != nil && *o.MinCount < 1 {
		return fmt.Errorf("MinCount must be >= 1")
	}
	if o.MaxCount != nil && *o.MaxCount < 1 {
		return fmt.Errorf("MaxCount must be >= 1")
	}
	if o.MinCount != nil && o.MaxCount != nil && *o.MaxCount < *o.MinCount {
		return fmt.Errorf("MaxCount (%d) < MinCount (%d)", *o.MaxCount, *o.MinCount)
	}

	var errs []error
	if o.InstanceInitiatedShutdownBehavior != nil {
		errs = append(errs, oneOf("InstanceInitiatedShutdownBehavior",
			types.ShutdownBehavior(*o.InstanceInitiatedShutdownBehavior)))
	}
	if p := o.Placement; p != nil {
		errs = append(errs, oneOf("Placement.Tenancy", types.Tenancy(p.Tenancy)))
	}
	if m := o.MetadataOptions; m != nil {
		errs = append(errs,
			oneOf("MetadataOptions.HttpEndpoint", types.InstanceMetadataEndpointState(m.HttpEndpoint)),
			oneOf("MetadataOptions.HttpTokens", types.HttpTokensState(m.HttpTokens)),
			oneOf("MetadataOptions.InstanceMetadataTags", types.InstanceMetadataTagsState(m.InstanceMetadataTags)),
		)
	}
	if m := o.InstanceMarketOptions; m != nil {
		errs = append(errs, oneOf("InstanceMarketOptions.MarketType", types.MarketType(m.MarketType)))
		if s := m.SpotOptions; s != nil {
			errs = append(errs,
				oneOf("InstanceMarketOptions.SpotOptions.SpotInstanceType", types.SpotInstanceType(s.SpotInstanceType)),
				oneOf("InstanceMarketOptions.SpotOptions.InstanceInterruptionBehavior",
					types.InstanceInterruptionBehavior(s.InstanceInterruptionBehavior)),
			)
		}
	}
	for i, b := range o.BlockDeviceMappings {
		if b.Ebs != nil {
			errs = append(errs, oneOf(fmt.Sprintf("BlockDeviceMappings[%d].Ebs.VolumeType", i), types.VolumeType(b.Ebs.VolumeType)))
		}
	}
	for i, ts := range o.TagSpecifications {
		errs = append(errs, oneOf(fmt.Sprintf("TagSpecifications[%d].ResourceType", i), types.ResourceType(ts.ResourceType)))
	}
	return errors.Join(errs...)
}

// CheckTagDiscovery reports override fields that would stop a boot
// script from reading its registration URL and label from instance
// tags: metadata options without tag access, or tag specifications that
// drop the runner tags for label and url.
func (o *Overrides) CheckTagDiscovery(label, url string) error {
	if m := o.MetadataOptions; m != nil {
		if types.InstanceMetadataEndpointState(m.HttpEndpoint) == types.InstanceMetadataEndpointStateDisabled {
			return fmt.Errorf("MetadataOptions.HttpEndpoint must not be disabled when discovering from metadata")
		}
		if types.InstanceMetadataTagsState(m.InstanceMetadataTags) != types.InstanceMetadataTagsStateEnabled {
			return fmt.Errorf("MetadataOptions.InstanceMetadataTags must be enabled when discovering from metadata")
		}
	}

	if o.TagSpecifications == nil {
		return nil
	}
	want := map[string]string{
		bootscript.TagRunnerLabel: label,
		bootscript.TagRunnerURL:   url,
	}
	for _, ts := range o.TagSpecifications {
		if types.ResourceType(ts.ResourceType) != types.ResourceTypeInstance {
			continue
		}
		for _, t := range ts.Tags {
			if v, ok := want[t.Key]; ok && v == t.Value {
				delete(want, t.Key)
			}
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for k := range want {
			missing = append(missing, k)
		}
		slices.Sort(missing)
		return fmt.Errorf("TagSpecifications must tag the instance with %s when discovering from metadata",
			strings.Join(missing, ", "))
	}
	return nil
}

// enum is satisfied by the SDK's string enum types.
type enum[T any] interface {
	~string
	Values() []T
}

// oneOf accepts an empty value or one of the SDK-declared values.
func oneOf[T enum[T]](field string, v T) error {
	if v == "" || slices.Contains(v.Values(), v) {
		return nil
	}
	return fmt.Errorf("%s: unsupported value %q", field, string(v))
}

// apply writes every field present in o over in.
func (o *Overrides) apply(in *ec2.RunInstancesInput) {
	if o.ImageID != nil {
		in.ImageId = o.ImageID
	}
	if o.InstanceType != nil {
		in.InstanceType = types.InstanceType(*o.InstanceType)
	}
	if o.MinCount != nil {
		in.MinCount = o.MinCount
	}
	if o.MaxCount != nil {
		in.MaxCount = o.MaxCount
	}
	if o.KeyName != nil {
		in.KeyName = o.KeyName
	}
	if o.SubnetID != nil {
		in.SubnetId = o.SubnetID
	}
	if o.SecurityGroupIDs != nil {
		in.SecurityGroupIds = o.SecurityGroupIDs
	}
	if o.UserData != nil {
		in.UserData = o.UserData
	}
	if o.EbsOptimized != nil {
		in.EbsOptimized = o.EbsOptimized
	}
	if o.InstanceInitiatedShutdownBehavior != nil {
		in.InstanceInitiatedShutdownBehavior = types.ShutdownBehavior(*o.InstanceInitiatedShutdownBehavior)
	}
	if p := o.IamInstanceProfile; p != nil {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: p.Name, Arn: p.Arn}
	}
	if t := o.LaunchTemplate; t != nil {
		in.LaunchTemplate = &types.LaunchTemplateSpecification{
			LaunchTemplateId:   t.LaunchTemplateID,
			LaunchTemplateName: t.LaunchTemplateName,
			Version:            t.Version,
		}
	}
	if p := o.Placement; p != nil {
		in.Placement = &types.Placement{
			AvailabilityZone: p.AvailabilityZone,
			Tenancy:          types.Tenancy(p.Tenancy),
		}
	}
	if m := o.MetadataOptions; m != nil {
		in.MetadataOptions = &types.InstanceMetadataOptionsRequest{
			HttpEndpoint:            types.InstanceMetadataEndpointState(m.HttpEndpoint),
			HttpTokens:              types.HttpTokensState(m.HttpTokens),
			HttpPutResponseHopLimit: m.HttpPutResponseHopLimit,
			InstanceMetadataTags:    types.InstanceMetadataTagsState(m.InstanceMetadataTags),
		}
	}
	if m := o.InstanceMarketOptions; m != nil {
		opts := &types.InstanceMarketOptionsRequest{MarketType: types.MarketType(m.MarketType)}
		if s := m.SpotOptions; s != nil {
			opts.SpotOptions = &types.SpotMarketOptions{
				MaxPrice:                     s.MaxPrice,
				SpotInstanceType:             types.SpotInstanceType(s.SpotInstanceType),
				InstanceInterruptionBehavior: types.InstanceInterruptionBehavior(s.InstanceInterruptionBehavior),
			}
		}
		in.InstanceMarketOptions = opts
	}
	if c := o.CreditSpecification; c != nil {
		in.CreditSpecification = &types.CreditSpecificationRequest{CpuCredits: c.CpuCredits}
	}
	if o.BlockDeviceMappings != nil {
		in.BlockDeviceMappings = make([]types.BlockDeviceMapping, 0, len(o.BlockDeviceMappings))
		for _, b := range o.BlockDeviceMappings {
			m := types.BlockDeviceMapping{DeviceName: b.DeviceName}
			if e := b.Ebs; e != nil {
				m.Ebs = &types.EbsBlockDevice{
					VolumeSize:          e.VolumeSize,
					VolumeType:          types.VolumeType(e.VolumeType),
					Iops:                e.Iops,
					Throughput:          e.Throughput,
					Encrypted:           e.Encrypted,
					KmsKeyId:            e.KmsKeyID,
					DeleteOnTermination: e.DeleteOnTermination,
				}
			}
			in.BlockDeviceMappings = append(in.BlockDeviceMappings, m)
		}
	}
	if o.TagSpecifications != nil {
		in.TagSpecifications = make([]types.TagSpecification, 0, len(o.TagSpecifications))
		for _, ts := range o.TagSpecifications {
			spec := types.TagSpecification{ResourceType: types.ResourceType(ts.ResourceType)}
			for _, t := range ts.Tags {
				spec.Tags = append(spec.Tags, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
			}
			in.TagSpecifications = append(in.TagSpecifications, spec)
		}
	}
}
